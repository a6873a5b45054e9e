package sequencer

import (
	"fmt"
	"strings"
	"time"
)

// SlotCount is the fixed number of images in a batch.
const SlotCount = 9

type Status int

const (
	StatusEmpty Status = iota
	StatusPending
	StatusLoaded
	StatusFailed
)

var statusNames = [...]string{"empty", "pending", "loaded", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown slot status %q", text)
}

type SeedMode int

const (
	SeedRandom SeedMode = iota
	SeedCustom
)

func ParseSeedMode(s string) SeedMode {
	if strings.EqualFold(strings.TrimSpace(s), "custom") {
		return SeedCustom
	}
	return SeedRandom
}

func (m SeedMode) String() string {
	if m == SeedCustom {
		return "custom"
	}
	return "random"
}

type SlotView struct {
	Index       int    `json:"index"`
	Number      int    `json:"number"`
	Status      Status `json:"status"`
	Seed        int    `json:"seed"`
	ArtifactRef string `json:"artifactRef,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Snapshot is a read-only copy of the session for renderers.
type Snapshot struct {
	Generation  uint64              `json:"generation"`
	Prompt      string              `json:"prompt"`
	Model       string              `json:"model"`
	Models      []string            `json:"models"`
	Seeds       [SlotCount]int      `json:"seeds"`
	Loading     bool                `json:"loading"`
	Settled     int                 `json:"settled"`
	Stale       int                 `json:"stale"`
	SubmittedAt time.Time           `json:"submittedAt"`
	Slots       [SlotCount]SlotView `json:"slots"`
}

func (s Snapshot) Progress() string {
	return fmt.Sprintf("%d of %d images loaded", s.Loaded(), SlotCount)
}

func (s Snapshot) Loaded() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.Status == StatusLoaded {
			n++
		}
	}
	return n
}

// Artifact is the downloadable content of a loaded slot.
type Artifact struct {
	Ref         string
	Name        string
	Slot        int
	Seed        int
	ContentType string
	Data        []byte
}

// FileName is the download name for the slot at index with the given seed.
func FileName(index, seed int) string {
	return fmt.Sprintf("ai-image-%d-seed-%d.jpg", index+1, seed)
}
