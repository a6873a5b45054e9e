package handler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dmorgan81/gridbot/internal/image"
	"github.com/dmorgan81/gridbot/internal/schedule"
	"github.com/dmorgan81/gridbot/internal/seed"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/dmorgan81/gridbot/internal/store"
)

type mockGenerator struct {
	fail map[int]bool
}

func (m *mockGenerator) Generate(_ context.Context, p image.Params) ([]byte, error) {
	if m.fail[p.Seed] {
		return nil, &image.StatusError{Code: 502}
	}
	return []byte{0xff, 0xd8, 0xff, 0xe0}, nil
}

type mockLister struct {
	models []string
	err    error
}

func (m *mockLister) Models(context.Context) ([]string, error) {
	return m.models, m.err
}

type mockUploader struct {
	mu    sync.Mutex
	names []string
}

func (m *mockUploader) Upload(_ context.Context, p store.UploadParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, p.Name)
	return nil
}

type countingLister struct {
	mockLister
	mu    sync.Mutex
	calls int
}

func (m *countingLister) Models(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.mockLister.Models(ctx)
}

func newHandlerWithCooldown(gen image.Generator, lister image.ModelLister, up store.Uploader, cooldown time.Duration) *Handler {
	seq := sequencer.New(context.Background(), gen, lister, seed.New(1), schedule.New(), sequencer.Options{
		Stagger:  time.Millisecond,
		Cooldown: cooldown,
	})
	_ = seq.LoadModels(context.Background())
	return New(seq, store.New(up, store.NopInvalidator{}))
}

func newHandler(gen image.Generator, lister image.ModelLister, up store.Uploader) *Handler {
	return newHandlerWithCooldown(gen, lister, up, time.Minute)
}

func TestHandle(t *testing.T) {
	up := &mockUploader{}
	h := newHandler(&mockGenerator{fail: map[int]bool{7: true}}, &mockLister{models: []string{"flux"}}, up)
	defer h.seq.Shutdown()

	seeds := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	out, err := h.Handle(context.Background(), Input{Prompt: "a red fox", SeedMode: "custom", Seeds: seeds})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if out.Model != "flux" {
		t.Errorf("Model = %q, want first listed model", out.Model)
	}
	if len(out.Seeds) != sequencer.SlotCount || out.Seeds[0] != 1 || out.Seeds[8] != 9 {
		t.Errorf("Seeds = %v", out.Seeds)
	}
	if len(out.Failed) != 1 || out.Failed[0] != 7 {
		t.Errorf("Failed = %v, want [7]", out.Failed)
	}
	if len(out.Saved) != 8 || len(up.names) != 8 {
		t.Errorf("saved %d, uploaded %d, want 8", len(out.Saved), len(up.names))
	}
	sort.Strings(up.names)
	if up.names[0] != "ai-image-1-seed-1.jpg" {
		t.Errorf("first upload = %q", up.names[0])
	}
}

func TestHandleWithoutModels(t *testing.T) {
	up := &mockUploader{}
	h := newHandler(&mockGenerator{}, &mockLister{err: errors.New("down")}, up)
	defer h.seq.Shutdown()

	out, err := h.Handle(context.Background(), Input{Prompt: "a red fox"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Model != "" || len(out.Saved) != sequencer.SlotCount {
		t.Errorf("model = %q saved = %d", out.Model, len(out.Saved))
	}
}

func TestHandleBlankPrompt(t *testing.T) {
	h := newHandler(&mockGenerator{}, &mockLister{models: []string{"flux"}}, &mockUploader{})
	defer h.seq.Shutdown()

	var verr *sequencer.ValidationError
	if _, err := h.Handle(context.Background(), Input{Prompt: " "}); !errors.As(err, &verr) {
		t.Errorf("Handle() error = %v, want ValidationError", err)
	}
}

func TestHandleStartsFreshSession(t *testing.T) {
	lister := &countingLister{mockLister: mockLister{models: []string{"flux", "turbo"}}}
	h := newHandlerWithCooldown(&mockGenerator{}, lister, &mockUploader{}, 0)
	defer h.seq.Shutdown()

	first, err := h.Handle(context.Background(), Input{
		Prompt:   "a red fox",
		Model:    "turbo",
		SeedMode: "custom",
		Seeds:    []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"},
	})
	if err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	if first.Model != "turbo" || first.Seeds[8] != 9 {
		t.Errorf("first model = %q seeds = %v", first.Model, first.Seeds)
	}

	second, err := h.Handle(context.Background(), Input{Prompt: "a blue fox", SeedMode: "custom", Seeds: []string{"42"}})
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if second.Seeds[0] != 42 {
		t.Errorf("second seed 1 = %d, want 42", second.Seeds[0])
	}
	for i, s := range second.Seeds[1:] {
		if s == first.Seeds[i+1] {
			t.Errorf("seed %d = %d carried over from the previous invocation", i+2, s)
		}
	}
	if second.Model != "flux" {
		t.Errorf("second model = %q, want first listed model", second.Model)
	}

	lister.mu.Lock()
	defer lister.mu.Unlock()
	if lister.calls != 1 {
		t.Errorf("models fetched %d times, want 1", lister.calls)
	}
}

func TestHandleKeepsCooldown(t *testing.T) {
	h := newHandler(&mockGenerator{}, &mockLister{models: []string{"flux"}}, &mockUploader{})
	defer h.seq.Shutdown()

	if _, err := h.Handle(context.Background(), Input{Prompt: "a red fox"}); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	var terr *sequencer.ThrottledError
	if _, err := h.Handle(context.Background(), Input{Prompt: "a red fox"}); !errors.As(err, &terr) {
		t.Errorf("second Handle() error = %v, want ThrottledError", err)
	}
}
