package feed

import (
	"context"
	"fmt"

	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type Generator struct {
	baseURL string
}

func NewGenerator(i *do.Injector) (*Generator, error) {
	return &Generator{baseURL: do.MustInvokeNamed[string](i, "public_url")}, nil
}

func New(baseURL string) *Generator {
	return &Generator{baseURL}
}

// Generate renders an RSS feed with one item per loaded slot of the snapshot.
func (g *Generator) Generate(ctx context.Context, snap sequencer.Snapshot) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")
	log.Info("generating rss feed", "generation", snap.Generation)

	feed := feeds.Feed{
		Title:       "GridBot",
		Description: fmt.Sprintf("Generated images for %q", snap.Prompt),
		Link:        &feeds.Link{Href: g.baseURL},
		Updated:     snap.SubmittedAt,
	}

	loaded := lo.Filter(snap.Slots[:], func(s sequencer.SlotView, _ int) bool {
		return s.Status == sequencer.StatusLoaded
	})
	for _, s := range loaded {
		feed.Add(&feeds.Item{
			Id:          s.ArtifactRef,
			Title:       fmt.Sprintf("%s:%s:%d", snap.Prompt, snap.Model, s.Seed),
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/images/%d", g.baseURL, s.Index)},
			Description: sequencer.FileName(s.Index, s.Seed),
			Created:     snap.SubmittedAt,
		})
	}

	rss, err := feed.ToRss()
	return []byte(rss), err
}
