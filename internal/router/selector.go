package router

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/Davincible/claude-gateway/internal/health"
)

// ErrNoProvidersAvailable is returned when a category has no configured
// candidates at all. When candidates exist but are all health-excluded,
// selection falls back to the first configured candidate instead of
// failing; availability wins over correctness there.
var ErrNoProvidersAvailable = errors.New("no providers available for category")

// Strategy names how a category picks among its available candidates.
type Strategy string

const (
	// StrategyAuto uses a weighted draw when weights differ and
	// round-robin otherwise.
	StrategyAuto Strategy = ""

	// StrategyLeastLoaded picks the candidate whose provider has served
	// the fewest requests; ties go to the least recently used one.
	StrategyLeastLoaded Strategy = "least_loaded"
)

// Candidate is one (provider, model) routing option with a selection
// weight. Weight 0 is treated as 1.
type Candidate struct {
	Provider string
	Model    string
	Weight   int
}

// Key returns the blacklist key for the candidate's specific model.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.Model
}

func (c Candidate) weight() int {
	if c.Weight < 1 {
		return 1
	}

	return c.Weight
}

// Selector picks a candidate for a category, honoring both the detailed
// health store and the manager-level blacklist. Round-robin cursors are
// per category; the counter is atomic but selection as a whole is not
// linearizable, which at worst skews fairness by a slot.
type Selector struct {
	store     *health.Store
	blacklist *health.Blacklist
	logger    *slog.Logger

	cursorMu sync.Mutex
	cursors  map[Category]*atomic.Uint64

	rnd func(n int) int
}

// NewSelector creates a selector backed by the given health state.
func NewSelector(store *health.Store, blacklist *health.Blacklist, logger *slog.Logger) *Selector {
	return &Selector{
		store:     store,
		blacklist: blacklist,
		logger:    logger,
		cursors:   make(map[Category]*atomic.Uint64),
		rnd:       rand.Intn,
	}
}

// Select picks one candidate for the category. Weighted random draw is
// used when weights differ; equal weights (and legacy primary+backup
// lists) rotate round-robin. If every candidate is excluded, the first
// configured one is returned anyway and the saturation is logged.
func (s *Selector) Select(category Category, candidates []Candidate, strategy Strategy) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoProvidersAvailable
	}

	available := s.filterAvailable(candidates)
	if len(available) == 0 {
		s.logger.Warn("All candidates excluded, using emergency fallback",
			"category", string(category),
			"provider", candidates[0].Provider,
			"model", candidates[0].Model,
		)

		s.store.MarkUsed(candidates[0].Provider)

		return candidates[0], nil
	}

	var picked Candidate

	switch {
	case strategy == StrategyLeastLoaded:
		picked = s.leastLoadedPick(available)
	case weightsDiffer(available):
		picked = s.weightedPick(available)
	default:
		picked = s.roundRobinPick(category, available)
	}

	s.store.MarkUsed(picked.Provider)

	return picked, nil
}

func (s *Selector) filterAvailable(candidates []Candidate) []Candidate {
	available := make([]Candidate, 0, len(candidates))

	for _, c := range candidates {
		if !s.store.IsSelectable(c.Provider) {
			continue
		}

		// Model-specific exclusion first, then provider-wide.
		if s.blacklist.IsBlacklisted(c.Key()) || s.blacklist.IsBlacklisted(c.Provider) {
			continue
		}

		available = append(available, c)
	}

	return available
}

func weightsDiffer(candidates []Candidate) bool {
	for _, c := range candidates[1:] {
		if c.weight() != candidates[0].weight() {
			return true
		}
	}

	return false
}

// weightedPick draws proportionally to each available candidate's own
// weight. Weights are deliberately not renormalized when candidates drop
// out: the shrinking sum redistributes their share automatically.
func (s *Selector) weightedPick(available []Candidate) Candidate {
	total := 0
	for _, c := range available {
		total += c.weight()
	}

	draw := s.rnd(total)
	for _, c := range available {
		draw -= c.weight()
		if draw < 0 {
			return c
		}
	}

	return available[len(available)-1]
}

// leastLoadedPick favors lower utilization; on an exact tie the provider
// used least recently wins.
func (s *Selector) leastLoadedPick(available []Candidate) Candidate {
	best := available[0]
	bestTotal, bestUsed := s.store.Utilization(best.Provider)

	for _, c := range available[1:] {
		total, used := s.store.Utilization(c.Provider)
		if total < bestTotal || (total == bestTotal && used.Before(bestUsed)) {
			best, bestTotal, bestUsed = c, total, used
		}
	}

	return best
}

func (s *Selector) roundRobinPick(category Category, available []Candidate) Candidate {
	cursor := s.cursorFor(category)
	idx := int((cursor.Add(1) - 1) % uint64(len(available)))

	return available[idx]
}

func (s *Selector) cursorFor(category Category) *atomic.Uint64 {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()

	cursor, ok := s.cursors[category]
	if !ok {
		cursor = &atomic.Uint64{}
		s.cursors[category] = cursor
	}

	return cursor
}
