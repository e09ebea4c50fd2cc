package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/common/tracing"
)

// Poller invokes a fetch function at a fixed interval while running.
// Fetches within one run are sequential; a failed fetch is logged and the
// next tick proceeds as usual.
type Poller struct {
	sessionID string
	interval  time.Duration
	fetch     func(ctx context.Context) error
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewPoller creates a stopped poller.
func NewPoller(sessionID string, interval time.Duration, fetch func(ctx context.Context) error, log *logger.Logger) *Poller {
	return &Poller{
		sessionID: sessionID,
		interval:  interval,
		fetch:     fetch,
		logger:    log.WithComponent("poller").WithSessionID(sessionID),
	}
}

// Start begins polling. It is a no-op when already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	go p.run(ctx)
	p.logger.Debug("polling started", zap.Duration("interval", p.interval))
}

// Stop cancels the timer. It does not wait for an in-flight fetch, whose
// context is cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.cancel = nil
	p.logger.Debug("polling stopped")
}

// IsRunning reports whether the timer is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		p.tick(ctx)
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.fetch == nil {
		return
	}
	ctx, span := tracing.TracePoll(ctx, p.sessionID)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll fetch panicked", zap.Any("panic", r))
		}
	}()

	if err := p.fetch(ctx); err != nil && ctx.Err() == nil {
		span.RecordError(err)
		p.logger.Warn("poll fetch failed", zap.Error(err))
	}
}
