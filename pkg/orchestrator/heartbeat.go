package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is the period between heartbeat broadcasts
const DefaultHeartbeatInterval = 30 * time.Second

// heartbeat runs beat on a fixed interval between start and stop
type heartbeat struct {
	interval time.Duration
	beat     func(ctx context.Context)
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newHeartbeat(interval time.Duration, beat func(ctx context.Context), logger zerolog.Logger) *heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &heartbeat{
		interval: interval,
		beat:     beat,
		logger:   logger,
	}
}

// start launches the loop. Calling start on a running heartbeat is a no-op.
func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
}

func (h *heartbeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	h.logger.Debug().Dur("interval", h.interval).Msg("Heartbeat started")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug().Msg("Heartbeat stopping")
			return

		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

// stop cancels the loop and waits for it to exit
func (h *heartbeat) stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *heartbeat) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}
