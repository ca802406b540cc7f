// Package countdown gates forwarding from a redirect page to its destination.
//
// A controller moves Loading -> Counting -> Ready. Progress is derived from the
// elapsed time against a single deadline; there is no per-tick accumulation.
// Nothing here ever navigates: Proceed only hands back the destination once
// the controller is Ready.
package countdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/abdusco/peeklink/internal"
	"github.com/abdusco/peeklink/internal/codec"
)

const (
	DefaultDuration = 30 * time.Second
	HomePath        = "/"
	WarningMessage  = "Failed to load preview. You can still proceed to the destination."
)

var ErrNotReady = errors.New("countdown has not finished")

type State int

const (
	Loading State = iota
	Counting
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Counting:
		return "counting"
	case Ready:
		return "ready"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RefreshFunc fetches a fresh preview for the destination.
type RefreshFunc func(ctx context.Context, destinationURL string) (internal.PreviewRecord, error)

type Options struct {
	Duration time.Duration
	Clock    Clock
}

func (o Options) withDefaults() Options {
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	return o
}

type Snapshot struct {
	State          State                  `json:"state"`
	Progress       float64                `json:"progress"`
	DestinationURL string                 `json:"destination_url"`
	Preview        internal.PreviewRecord `json:"preview"`
	Warning        bool                   `json:"warning"`
}

type Controller struct {
	duration time.Duration
	clock    Clock

	mu        sync.Mutex
	state     State
	dest      string
	preview   internal.PreviewRecord
	warning   bool
	startedAt time.Time
	timer     Timer
	cancel    context.CancelFunc
	stopped   bool
	counting  chan struct{}
}

func New(decoded codec.Decoded, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		duration: opts.Duration,
		clock:    opts.Clock,
		state:    Loading,
		dest:     decoded.DestinationURL,
		preview: internal.PreviewRecord{
			Title:       decoded.Title,
			Description: decoded.Description,
		},
		counting: make(chan struct{}),
	}
}

// Start enters Loading and, if refresh is not nil, refreshes the preview in the
// background. Counting begins once the refresh finishes, successfully or not.
func (c *Controller) Start(ctx context.Context, refresh RefreshFunc) {
	c.mu.Lock()
	if c.stopped || c.state != Loading || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if refresh == nil {
		c.beginCounting(nil, nil)
		return
	}

	go func() {
		preview, err := refresh(ctx, c.dest)
		c.beginCounting(&preview, err)
	}()
}

func (c *Controller) beginCounting(fresh *internal.PreviewRecord, refreshErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state != Loading {
		return
	}

	switch {
	case refreshErr != nil:
		c.warning = true
	case fresh != nil:
		c.preview = mergePreview(c.preview, *fresh)
	}

	c.state = Counting
	c.startedAt = c.clock.Now()
	c.timer = c.clock.AfterFunc(c.duration, c.finish)
	close(c.counting)
}

// Values carried in the link win over freshly fetched ones.
func mergePreview(decoded, fresh internal.PreviewRecord) internal.PreviewRecord {
	merged := fresh
	if decoded.Title != "" {
		merged.Title = decoded.Title
	}
	if decoded.Description != "" {
		merged.Description = decoded.Description
	}
	return merged
}

func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.state != Counting {
		return
	}
	c.state = Ready
}

// CountingStarted is closed when the controller leaves Loading.
func (c *Controller) CountingStarted() <-chan struct{} {
	return c.counting
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	progress := c.progressLocked()
	return Snapshot{
		State:          c.state,
		Progress:       progress,
		DestinationURL: c.dest,
		Preview:        c.preview,
		Warning:        c.warning,
	}
}

func (c *Controller) State() State {
	return c.Snapshot().State
}

func (c *Controller) Progress() float64 {
	return c.Snapshot().Progress
}

// progressLocked also completes the countdown when the deadline passed before the
// timer callback ran.
func (c *Controller) progressLocked() float64 {
	switch c.state {
	case Loading:
		return 0
	case Ready:
		return 100
	}

	elapsed := c.clock.Now().Sub(c.startedAt)
	if elapsed >= c.duration {
		if !c.stopped {
			c.state = Ready
		}
		return 100
	}
	if elapsed < 0 {
		return 0
	}
	return float64(elapsed) / float64(c.duration) * 100
}

// Proceed returns the destination once Ready.
func (c *Controller) Proceed() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.progressLocked()
	if c.state != Ready {
		return "", ErrNotReady
	}
	return c.dest, nil
}

// Cancel stops the controller and returns where the visitor should go instead.
func (c *Controller) Cancel() string {
	c.Stop()
	return HomePath
}

// Stop cancels the timer and any refresh in flight. Later callbacks are ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
}
