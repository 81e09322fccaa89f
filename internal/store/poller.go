package store

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/internal/observability"
)

const defaultPollInterval = 3 * time.Second

// Poller is the HTTP fallback for one active target. Its lifecycle belongs
// to the store layer, not to any view: it starts when a target becomes open
// and stops when it is not. Ticks are skipped while the persistent connection
// is confirmed live, so the fallback resumes the instant the connection
// drops without duplicate-delivery amplification in between.
type Poller struct {
	interval  time.Duration
	connected func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
	kind   string
}

func NewPoller(connected func() bool) *Poller {
	return &Poller{
		interval:  defaultPollInterval,
		connected: connected,
	}
}

// Start begins polling with fetch until Stop or a Start for another target.
// kind labels the metrics ("channel" or "dm").
func (p *Poller) Start(kind string, fetch func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.kind = kind

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if p.connected() {
				continue
			}
			observability.IncPollTick(kind)
			if err := fetch(ctx); err != nil && ctx.Err() == nil {
				log.Printf("poll fetch failed (%s): %v", kind, err)
			}
		}
	}()
}

// Stop halts polling. Safe to call when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
