package page

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"sync"

	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/samber/do"
)

//go:embed assets/gallery.html
var galleryTmpl string

type Params struct {
	Snapshot sequencer.Snapshot
	Progress string
	Notice   string
}

type Templator struct {
	tmpl *template.Template
	once sync.Once
}

func NewTemplator(i *do.Injector) (*Templator, error) {
	return &Templator{}, nil
}

func (g *Templator) Template(ctx context.Context, params Params) ([]byte, error) {
	g.once.Do(func() {
		g.tmpl = template.Must(template.New("gallery").Parse(galleryTmpl))
	})

	log := log.FromContextOrDiscard(ctx).WithGroup("templator")
	log.Debug("rendering gallery", "generation", params.Snapshot.Generation)

	if params.Progress == "" {
		params.Progress = params.Snapshot.Progress()
	}

	var data bytes.Buffer
	if err := g.tmpl.Execute(&data, params); err != nil {
		return nil, err
	}
	return data.Bytes(), nil
}
