package handler

import (
	"context"

	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/dmorgan81/gridbot/internal/store"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type Input struct {
	Prompt   string   `json:"prompt"`
	Model    string   `json:"model,omitempty"`
	SeedMode string   `json:"seedMode,omitempty"`
	Seeds    []string `json:"seeds,omitempty"`
}

type Output struct {
	Prompt string   `json:"prompt"`
	Model  string   `json:"model"`
	Seeds  []int    `json:"seeds"`
	Saved  []string `json:"saved"`
	Failed []int    `json:"failed,omitempty"`
}

type Handler struct {
	seq   *sequencer.Sequencer
	saver *store.Saver
}

func NewHandler(i *do.Injector) (*Handler, error) {
	return &Handler{
		seq:   do.MustInvoke[*sequencer.Sequencer](i),
		saver: do.MustInvoke[*store.Saver](i),
	}, nil
}

func New(seq *sequencer.Sequencer, saver *store.Saver) *Handler {
	return &Handler{seq, saver}
}

// Handle runs one batch to settlement and saves every loaded image. Each
// invocation starts from a fresh session; the cooldown carries over.
func (h *Handler) Handle(ctx context.Context, input Input) (Output, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("handler").With("input", input)
	log.Info("handling lambda invocation")

	h.seq.ResetSession()

	model := input.Model
	if models := h.seq.Snapshot().Models; model == "" && len(models) > 0 {
		model = models[0]
	}
	mode := sequencer.ParseSeedMode(input.SeedMode)
	if mode == sequencer.SeedCustom {
		for i, value := range lo.Slice(input.Seeds, 0, sequencer.SlotCount) {
			if _, err := h.seq.SetSeed(i, value); err != nil {
				return Output{}, err
			}
		}
	}

	if err := h.seq.StartBatch(input.Prompt, model, mode); err != nil {
		return Output{}, err
	}
	if err := h.seq.Wait(ctx); err != nil {
		return Output{}, err
	}

	snap := h.seq.Snapshot()
	var artifacts []sequencer.Artifact
	var failed []int
	for _, s := range snap.Slots {
		if s.Status != sequencer.StatusLoaded {
			failed = append(failed, s.Number)
			continue
		}
		a, err := h.seq.Artifact(s.Index)
		if err != nil {
			return Output{}, err
		}
		artifacts = append(artifacts, a)
	}

	saved, err := h.saver.SaveAll(ctx, snap.Prompt, snap.Model, artifacts)
	if err != nil {
		return Output{}, err
	}
	log.Info("batch saved", "saved", len(saved), "failed", failed)

	return Output{
		Prompt: snap.Prompt,
		Model:  snap.Model,
		Seeds:  lo.Map(snap.Slots[:], func(s sequencer.SlotView, _ int) int { return s.Seed }),
		Saved:  saved,
		Failed: failed,
	}, nil
}
