package countdown

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdusco/peeklink/internal/codec"
	"github.com/abdusco/peeklink/internal/logger"
	"github.com/abdusco/peeklink/internal/metrics"
)

const (
	DefaultVisitGrace = 10 * time.Minute
	DefaultMaxVisits  = 1000
)

var ErrVisitNotFound = errors.New("visit not found")

type visit struct {
	controller *Controller
	expiry     Timer
}

// Limits bound how long and how many visits are kept.
type Limits struct {
	// Grace is added to the countdown duration before an idle visit expires.
	Grace time.Duration
	// Max is the number of live visits; starting one more evicts the oldest.
	Max int
}

// Visits owns one controller per redirect page visit. A visit is dropped when it
// ends, when it is the oldest of too many, or after the countdown duration plus
// a grace period.
type Visits struct {
	ctx     context.Context
	opts    Options
	limits  Limits
	refresh RefreshFunc
	log     zerolog.Logger

	mu     sync.Mutex
	visits map[string]*visit
	// order holds live ids, oldest first.
	order []string
}

// NewVisits creates a registry. ctx bounds every background refresh; refresh may be nil.
func NewVisits(ctx context.Context, opts Options, limits Limits, refresh RefreshFunc) *Visits {
	if limits.Grace <= 0 {
		limits.Grace = DefaultVisitGrace
	}
	if limits.Max <= 0 {
		limits.Max = DefaultMaxVisits
	}
	return &Visits{
		ctx:     ctx,
		opts:    opts.withDefaults(),
		limits:  limits,
		refresh: refresh,
		log:     logger.With("component", "visits"),
		visits:  make(map[string]*visit),
	}
}

func (v *Visits) Start(decoded codec.Decoded) (string, *Controller) {
	id := uuid.NewString()
	c := New(decoded, v.opts)

	v.mu.Lock()
	var evicted []string
	for len(v.order) >= v.limits.Max {
		evicted = append(evicted, v.order[0])
		v.order = v.order[1:]
	}
	v.visits[id] = &visit{
		controller: c,
		expiry:     v.opts.Clock.AfterFunc(v.opts.Duration+v.limits.Grace, func() { v.End(id) }),
	}
	v.order = append(v.order, id)
	v.mu.Unlock()

	for _, old := range evicted {
		v.log.Debug().Str("visit", old).Msg("evicting oldest visit")
		v.End(old)
	}

	metrics.VisitStarted()
	v.log.Debug().Str("visit", id).Str("destination", decoded.DestinationURL).Msg("visit started")

	c.Start(v.ctx, v.refresh)
	return id, c
}

func (v *Visits) Get(id string) (*Controller, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vis, ok := v.visits[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	return vis.controller, nil
}

// End stops and forgets a visit. Unknown ids are ignored.
func (v *Visits) End(id string) {
	v.mu.Lock()
	vis, ok := v.visits[id]
	delete(v.visits, id)
	if ok {
		v.order = slices.DeleteFunc(v.order, func(live string) bool { return live == id })
	}
	v.mu.Unlock()

	if !ok {
		return
	}
	vis.expiry.Stop()
	vis.controller.Stop()
	metrics.VisitEnded()
	v.log.Debug().Str("visit", id).Msg("visit ended")
}

func (v *Visits) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.visits)
}

// Close ends every visit.
func (v *Visits) Close() {
	v.mu.Lock()
	ids := make([]string, 0, len(v.visits))
	for id := range v.visits {
		ids = append(ids, id)
	}
	v.mu.Unlock()

	for _, id := range ids {
		v.End(id)
	}
}
