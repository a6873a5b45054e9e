package seed

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/do"
	"github.com/samber/lo"
)

// Max is the exclusive upper bound of drawn seeds.
const Max = 1_000_000

type Randomizer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomizer(i *do.Injector) (*Randomizer, error) {
	return New(time.Now().UTC().UnixNano()), nil
}

func New(src int64) *Randomizer {
	return &Randomizer{rnd: rand.New(rand.NewSource(src))}
}

func (r *Randomizer) Draw() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(Max)
}

func (r *Randomizer) DrawN(n int) []int {
	return lo.Times(n, func(int) int { return r.Draw() })
}

// Parse returns the integer in value and true, or a freshly drawn seed and false
// when value is blank, not an integer, or outside [0, Max).
func (r *Randomizer) Parse(value string) (int, bool) {
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 && n < Max {
		return n, true
	}
	return r.Draw(), false
}
