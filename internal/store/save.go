package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Saver is the download trigger: it stores loaded artifacts under their
// download names.
type Saver struct {
	uploader    Uploader
	invalidator Invalidator
}

func NewSaver(i *do.Injector) (*Saver, error) {
	return &Saver{
		uploader:    do.MustInvoke[Uploader](i),
		invalidator: do.MustInvoke[Invalidator](i),
	}, nil
}

func New(uploader Uploader, invalidator Invalidator) *Saver {
	return &Saver{uploader, invalidator}
}

func (s *Saver) Save(ctx context.Context, prompt, model string, a sequencer.Artifact) (string, error) {
	if err := s.upload(ctx, prompt, model, a); err != nil {
		return "", err
	}
	if err := s.invalidator.Invalidate(ctx, []string{"/" + a.Name}); err != nil {
		return "", fmt.Errorf("invalidating %s: %w", a.Name, err)
	}
	return a.Name, nil
}

// SaveAll uploads artifacts concurrently and invalidates every saved path once.
func (s *Saver) SaveAll(ctx context.Context, prompt, model string, artifacts []sequencer.Artifact) ([]string, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("saver")
	log.Info("saving artifacts", "count", len(artifacts))

	var mu sync.Mutex
	saved := make([]string, 0, len(artifacts))

	group, gctx := errgroup.WithContext(ctx)
	for _, a := range artifacts {
		a := a
		group.Go(func() error {
			if err := s.upload(gctx, prompt, model, a); err != nil {
				return err
			}
			mu.Lock()
			saved = append(saved, a.Name)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if len(saved) == 0 {
		return saved, nil
	}

	paths := lo.Map(saved, func(name string, _ int) string { return "/" + name })
	if err := s.invalidator.Invalidate(ctx, paths); err != nil {
		return nil, fmt.Errorf("invalidating saved images: %w", err)
	}
	return saved, nil
}

func (s *Saver) upload(ctx context.Context, prompt, model string, a sequencer.Artifact) error {
	err := s.uploader.Upload(ctx, UploadParams{
		Name:        a.Name,
		Data:        a.Data,
		ContentType: a.ContentType,
		Metadata: map[string]string{
			"prompt": prompt,
			"model":  model,
			"seed":   strconv.Itoa(a.Seed),
			"slot":   strconv.Itoa(a.Slot),
		},
	})
	if err != nil {
		return fmt.Errorf("saving %s: %w", a.Name, err)
	}
	return nil
}
