// Package sequencer fans a prompt out into a batch of nine staggered image
// fetches and tracks the outcome of each slot.
//
// Each batch is tagged with a generation id. A fetch that completes after its
// batch was replaced, by a new batch or a session reset, is dropped without
// touching the current slots. Dispatches are never cancelled.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmorgan81/gridbot/internal/image"
	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/schedule"
	"github.com/dmorgan81/gridbot/internal/seed"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Options struct {
	Stagger      time.Duration
	Cooldown     time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
}

type slot struct {
	status Status
	seed   int
	ref    string
	err    string
}

type artifact struct {
	contentType string
	data        []byte
}

type Sequencer struct {
	ctx       context.Context
	log       *slog.Logger
	generator image.Generator
	lister    image.ModelLister
	seeds     *seed.Randomizer
	scheduler *schedule.Scheduler
	opts      Options
	events    broadcaster

	mu          sync.Mutex
	generation  uint64
	prompt      string
	model       string
	models      []string
	next        [SlotCount]int
	explicit    [SlotCount]bool
	slots       [SlotCount]slot
	artifacts   map[string]artifact
	submittedAt time.Time
	settled     int
	stale       int
	loading     bool
	done        chan struct{}
}

// New returns an idle sequencer. ctx carries the logger and bounds every fetch.
func New(ctx context.Context, generator image.Generator, lister image.ModelLister,
	seeds *seed.Randomizer, scheduler *schedule.Scheduler, opts Options) *Sequencer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Sequencer{
		ctx:       ctx,
		log:       log.FromContextOrDiscard(ctx).WithGroup("sequencer"),
		generator: generator,
		lister:    lister,
		seeds:     seeds,
		scheduler: scheduler,
		opts:      opts,
		artifacts: make(map[string]artifact),
	}
	s.clear()
	return s
}

// LoadModels fetches the model list and selects its first entry. An error or
// an empty list leaves no model selected.
func (s *Sequencer) LoadModels(ctx context.Context) error {
	models, err := s.lister.Models(ctx)
	if err == nil && len(models) == 0 {
		err = ErrNoModels
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.models, s.model = nil, ""
		s.log.Warn("model list unavailable", "error", err)
		s.notify(LevelError, "Failed to load models")
		return &ModelListError{Err: err}
	}

	s.models = models
	if !lo.Contains(models, s.model) {
		s.model = models[0]
	}
	s.log.Info("models loaded", "count", len(models), "selected", s.model)
	s.events.publish(Event{Type: EventModels, Generation: s.generation})
	return nil
}

func (s *Sequencer) SetModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if model != "" && !lo.Contains(s.models, model) {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", model)}
	}
	s.model = model
	return nil
}

// SetSeed stores the seed for slot index of the next batch. A blank or
// non-integer value draws a random seed instead and marks the slot as unset.
func (s *Sequencer) SetSeed(index int, value string) (int, error) {
	if index < 0 || index >= SlotCount {
		return 0, &ValidationError{Field: "slot", Reason: fmt.Sprintf("index %d out of range", index)}
	}

	v, explicit := s.seeds.Parse(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[index] = v
	s.explicit[index] = explicit
	return v, nil
}

// StartBatch validates the request, enforces the cooldown, prepares seeds and
// schedules the nine fetches. Slot state is untouched when it returns an error.
func (s *Sequencer) StartBatch(prompt, model string, mode SeedMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		s.notify(LevelError, "Please enter a prompt")
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if model != "" && !lo.Contains(s.models, model) {
		s.notify(LevelError, fmt.Sprintf("Unknown model %q", model))
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", model)}
	}

	now := s.opts.Now()
	if !s.submittedAt.IsZero() {
		if elapsed := now.Sub(s.submittedAt); elapsed < s.opts.Cooldown {
			err := &ThrottledError{Remaining: remaining(s.opts.Cooldown, elapsed)}
			s.log.Info("batch throttled", "remaining", err.Remaining.String())
			s.notify(LevelError, fmt.Sprintf("You can generate again in %s", err.Remaining))
			return err
		}
	}

	for i := range s.next {
		if mode == SeedRandom || !s.explicit[i] {
			s.next[i] = s.seeds.Draw()
		}
		if mode == SeedRandom {
			s.explicit[i] = false
		}
	}

	s.abandon()
	s.generation++
	s.prompt, s.model = prompt, model
	s.artifacts = make(map[string]artifact)
	for i := range s.slots {
		s.slots[i] = slot{status: StatusPending, seed: s.next[i]}
	}
	s.settled = 0
	s.loading = true
	s.submittedAt = now
	s.done = make(chan struct{})

	gen := s.generation
	s.log.Info("starting batch", "generation", gen, "prompt", prompt, "model", model, "mode", mode.String())
	s.events.publish(Event{Type: EventStarted, Generation: gen})

	for i := range s.slots {
		params := image.Params{Prompt: prompt, Model: model, Seed: s.slots[i].seed}
		index := i
		s.scheduler.After(time.Duration(i)*s.opts.Stagger, func() {
			go s.fetchSlot(gen, index, params)
		})
	}
	return nil
}

// ResetSession returns to the pre-batch state with fresh seeds. The cooldown
// keeps running.
func (s *Sequencer) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abandon()
	s.generation++
	s.prompt = ""
	s.clear()
	s.log.Info("session reset", "generation", s.generation)
	s.events.publish(Event{Type: EventReset, Generation: s.generation})
}

// Wait blocks until the current batch settles. It returns ErrBatchReplaced when
// the batch is replaced first.
func (s *Sequencer) Wait(ctx context.Context) error {
	s.mu.Lock()
	gen, done := s.generation, s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return ErrBatchReplaced
	}
	return nil
}

func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Generation:  s.generation,
		Prompt:      s.prompt,
		Model:       s.model,
		Models:      append([]string(nil), s.models...),
		Seeds:       s.next,
		Loading:     s.loading,
		Settled:     s.settled,
		Stale:       s.stale,
		SubmittedAt: s.submittedAt,
	}
	for i := range s.slots {
		snap.Slots[i] = s.view(i)
	}
	return snap
}

func (s *Sequencer) Artifact(index int) (Artifact, error) {
	if index < 0 || index >= SlotCount {
		return Artifact{}, &ValidationError{Field: "slot", Reason: fmt.Sprintf("index %d out of range", index)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[index]
	a, ok := s.artifacts[sl.ref]
	if sl.status != StatusLoaded || !ok {
		return Artifact{}, fmt.Errorf("image %d: %w", index+1, ErrNotLoaded)
	}
	return Artifact{
		Ref:         sl.ref,
		Name:        FileName(index, sl.seed),
		Slot:        index + 1,
		Seed:        sl.seed,
		ContentType: a.contentType,
		Data:        a.data,
	}, nil
}

// Subscribe streams session events until the returned cancel func is called.
func (s *Sequencer) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

func (s *Sequencer) Shutdown() error {
	s.scheduler.Close()
	return nil
}

func (s *Sequencer) fetchSlot(gen uint64, index int, params image.Params) {
	logger := s.log.With("generation", gen, "slot", index+1, "seed", params.Seed)
	logger.Info("dispatching fetch")

	ctx := log.NewContext(s.ctx, logger)
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}

	data, err := s.generator.Generate(ctx, params)
	contentType := ""
	if err == nil {
		contentType = http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			err = errNotImage
		}
	}
	if err != nil {
		err = &FetchError{Slot: index, Err: err}
	}
	s.resolve(gen, index, artifact{contentType: contentType, data: data}, err)
}

// resolve writes the outcome of one fetch. Each slot of a generation is
// resolved at most once; results for older generations are dropped.
func (s *Sequencer) resolve(gen uint64, index int, a artifact, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.stale++
		s.log.Debug("dropping stale result", "generation", gen, "current", s.generation, "slot", index+1)
		return
	}
	if s.slots[index].status != StatusPending {
		return
	}

	if err != nil {
		s.slots[index].status = StatusFailed
		s.slots[index].err = err.Error()
		s.log.Warn("fetch failed", "generation", gen, "slot", index+1, "error", err)
	} else {
		ref := uuid.NewString()
		s.artifacts[ref] = a
		s.slots[index].status = StatusLoaded
		s.slots[index].ref = ref
		s.log.Info("fetch loaded", "generation", gen, "slot", index+1, "bytes", len(a.data))
	}

	view := s.view(index)
	s.events.publish(Event{Type: EventSlot, Generation: gen, Slot: &view})
	if err != nil {
		s.notify(LevelError, fmt.Sprintf("Failed to load image %d", index+1))
	}

	s.settled++
	if s.settled == SlotCount {
		s.loading = false
		close(s.done)
		s.events.publish(Event{Type: EventSettled, Generation: gen})
		loaded := lo.CountBy(s.slots[:], func(sl slot) bool { return sl.status == StatusLoaded })
		s.notify(LevelInfo, fmt.Sprintf("%d of %d images loaded", loaded, SlotCount))
		s.log.Info("batch settled", "generation", gen, "loaded", loaded)
	}
}

func (s *Sequencer) view(i int) SlotView {
	sl := s.slots[i]
	v := SlotView{
		Index:       i,
		Number:      i + 1,
		Status:      sl.status,
		Seed:        sl.seed,
		ArtifactRef: sl.ref,
		Error:       sl.err,
	}
	if sl.status == StatusEmpty {
		v.Seed = s.next[i]
	}
	return v
}

// clear puts every slot back in the pre-batch state with fresh seeds.
func (s *Sequencer) clear() {
	copy(s.next[:], s.seeds.DrawN(SlotCount))
	s.explicit = [SlotCount]bool{}
	s.slots = [SlotCount]slot{}
	s.artifacts = make(map[string]artifact)
	s.settled = 0
	s.loading = false
	s.done = make(chan struct{})
	close(s.done)
}

// abandon releases waiters of a batch that will never settle.
func (s *Sequencer) abandon() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Sequencer) notify(level Level, message string) {
	s.events.publish(Event{Type: EventNotification, Generation: s.generation, Level: level, Message: message})
}
