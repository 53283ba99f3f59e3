package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/logging"
)

// DefaultPollInterval is the spacing between status reads.
const DefaultPollInterval = 3 * time.Second

// ErrPollerActive is returned by Start while a loop is running.
var ErrPollerActive = errors.New("status: poller already active")

// PullFunc reads the current status.
type PullFunc func(ctx context.Context) (collect.Status, error)

// Poller runs at most one status loop at a time. Ticks never overlap: the
// next read starts only after the previous one returned.
type Poller struct {
	interval    time.Duration
	tickTimeout time.Duration
	logger      logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PollerOption customizes the poller.
type PollerOption func(*Poller)

// WithTickTimeout bounds each read. It defaults to the interval.
func WithTickTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.tickTimeout = d
		}
	}
}

// WithPollerLogger attaches a logger.
func WithPollerLogger(l logrus.FieldLogger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller builds an idle poller.
func NewPoller(interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{interval: interval, logger: logging.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.tickTimeout <= 0 {
		p.tickTimeout = p.interval
	}
	return p
}

// Start launches the loop. handle sees every successfully read status and
// returns true to stop the loop. Read errors are logged and retried on the
// next tick. The loop also ends when ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context, pull PullFunc, handle func(collect.Status) bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return ErrPollerActive
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(loopCtx, done, pull, handle)
	return nil
}

// Stop cancels the loop and waits for it to exit. Calling it on an idle
// poller does nothing.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether a loop is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}, pull PullFunc, handle func(collect.Status) bool) {
	defer func() {
		p.mu.Lock()
		if p.done == done {
			p.cancel()
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		tickCtx, cancel := context.WithTimeout(ctx, p.tickTimeout)
		status, err := pull(tickCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.WithError(err).WithField("tick", tick).Warn("status.poll_failed")
			continue
		}
		p.logger.WithFields(logrus.Fields{"tick": tick, "status": string(status)}).Debug("status.poll")
		if handle(status) {
			return
		}
	}
}
