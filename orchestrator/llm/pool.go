package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolTimeout = errors.New("timed out waiting for a pooled session")
	ErrPoolDrained = errors.New("session pool is draining")
)

// Session is one live connection-like handle to the provider. The pool owns
// its lifecycle through the configured hooks.
type Session struct {
	ID        string
	Provider  Provider
	CreatedAt time.Time
	LastUsed  time.Time
}

// PoolHooks customize session lifecycle.
type PoolHooks struct {
	Create   func(ctx context.Context) (*Session, error)
	Destroy  func(s *Session)
	Validate func(s *Session) bool
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Min            int
	Max            int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

// SessionPool is a bounded pool of provider sessions with validation on
// checkout, warm-up, and an idle reaper. Sessions above Min that sit idle
// past IdleTimeout are destroyed.
type SessionPool struct {
	cfg   PoolConfig
	hooks PoolHooks

	mu       sync.Mutex
	idle     []*Session
	open     int
	waiters  []chan *Session
	draining bool

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// NewSessionPool creates an empty pool. Call WarmUp before serving traffic.
func NewSessionPool(cfg PoolConfig, hooks PoolHooks) *SessionPool {
	p := &SessionPool{
		cfg:        cfg,
		hooks:      hooks,
		stopReaper: make(chan struct{}),
	}
	go p.reapIdle()
	return p
}

// WarmUp pre-opens Min sessions. The ingress watcher must not start until
// this returns.
func (p *SessionPool) WarmUp(ctx context.Context) error {
	for i := 0; i < p.cfg.Min; i++ {
		s, err := p.hooks.Create(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.open++
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
	return nil
}

// Acquire checks out a session, opening a new one if the pool is below Max.
// Waits up to AcquireTimeout behind a saturated pool.
func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolDrained
	}

	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.hooks.Validate != nil && !p.hooks.Validate(s) {
			p.open--
			p.mu.Unlock()
			p.destroy(s)
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		s.LastUsed = time.Now()
		return s, nil
	}

	if p.open < p.cfg.Max {
		p.open++
		p.mu.Unlock()
		s, err := p.hooks.Create(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return nil, err
		}
		s.LastUsed = time.Now()
		return s, nil
	}

	w := make(chan *Session, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case s := <-w:
		if s == nil {
			return nil, ErrPoolDrained
		}
		s.LastUsed = time.Now()
		return s, nil
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool, handing it directly to a waiter if
// one is parked.
func (p *SessionPool) Release(s *Session) {
	p.mu.Lock()
	if p.draining {
		p.open--
		p.mu.Unlock()
		p.destroy(s)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- s
		return
	}
	s.LastUsed = time.Now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Drain refuses new acquires and destroys idle sessions. Checked-out
// sessions are destroyed as they are released.
func (p *SessionPool) Drain() {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	for _, s := range idle {
		p.destroy(s)
	}
	p.reaperOnce.Do(func() { close(p.stopReaper) })
}

// Stats reports pool occupancy.
func (p *SessionPool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

func (p *SessionPool) destroy(s *Session) {
	if p.hooks.Destroy != nil {
		p.hooks.Destroy(s)
	}
}

func (p *SessionPool) abandonWaiter(w chan *Session) {
	p.mu.Lock()
	for i, existing := range p.waiters {
		if existing == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// A release raced the timeout; recycle the handed-over session.
	select {
	case s := <-w:
		if s != nil {
			p.Release(s)
		}
	default:
	}
}

func (p *SessionPool) reapIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.mu.Lock()
			var keep []*Session
			var expired []*Session
			for _, s := range p.idle {
				if p.open-len(expired) > p.cfg.Min && time.Since(s.LastUsed) > p.cfg.IdleTimeout {
					expired = append(expired, s)
				} else {
					keep = append(keep, s)
				}
			}
			p.idle = keep
			p.open -= len(expired)
			p.mu.Unlock()
			for _, s := range expired {
				p.destroy(s)
			}
		}
	}
}
