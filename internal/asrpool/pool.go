package asrpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attunevoice/attune/pkg/asr"
)

// Pool errors.
var (
	// ErrAcquireTimeout is returned when no adapter becomes available within
	// the configured acquire timeout.
	ErrAcquireTimeout = errors.New("asrpool: acquire timed out")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("asrpool: pool is closed")

	// ErrUnknownLease is returned when a release or remove names a lease id
	// the pool does not track.
	ErrUnknownLease = errors.New("asrpool: unknown lease id")
)

// errPoolFull signals that a creation attempt lost the last free slot to a
// concurrent creator. Acquire reacts by falling back to the waiter queue with
// whatever acquire budget remains.
var errPoolFull = errors.New("asrpool: pool at capacity")

// Default pool tuning.
const (
	DefaultMinPoolSize    = 2
	DefaultMaxPoolSize    = 10
	DefaultAcquireTimeout = 5 * time.Second
	DefaultIdleTimeout    = time.Minute
)

// PoolConfig tunes adapter pooling.
type PoolConfig struct {
	// MinSize is the floor the idle reaper will not evict below.
	MinSize int

	// MaxSize caps the total number of pooled adapter instances.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits for a free adapter.
	AcquireTimeout time.Duration

	// IdleTimeout evicts instances unused for this long, down to MinSize.
	IdleTimeout time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MinSize <= 0 {
		c.MinSize = DefaultMinPoolSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxPoolSize
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}

// Lease is an exclusive checkout of one pooled adapter instance.
type Lease struct {
	// ID identifies the checkout for Release/Remove.
	ID string

	// Adapter is the exclusive adapter instance.
	Adapter asr.Provider

	// ProviderName is the provider the adapter belongs to.
	ProviderName string
}

// pooledEntry is one adapter instance tracked by the pool.
type pooledEntry struct {
	id       string
	adapter  asr.Provider
	name     string
	inUse    bool
	acquired time.Time
	lastUsed time.Time
}

// Pool maintains warm adapter instances of the manager's active provider.
//
// Instances of a provider that is no longer active are drained lazily: they
// finish their in-flight work, are not handed out again, and are evicted on
// release. The mutex guards only in-memory bookkeeping; adapter construction
// happens outside the critical section.
type Pool struct {
	cfg     PoolConfig
	manager *Manager
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*pooledEntry
	waiters []chan *pooledEntry
	closed  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPool creates a Pool that sources adapters from the given manager.
func NewPool(manager *Manager, cfg PoolConfig, log *slog.Logger) (*Pool, error) {
	if manager == nil {
		return nil, errors.New("asrpool: manager is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()

	p := &Pool{
		cfg:     cfg,
		manager: manager,
		log:     log.With("component", "asr_pool"),
		now:     time.Now,
		entries: make(map[string]*pooledEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.reapLoop()
	return p, nil
}

// Close shuts the pool down. Outstanding leases may still be released but the
// instances are discarded.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, w := range p.waiters {
			close(w)
		}
		p.waiters = nil
		p.entries = make(map[string]*pooledEntry)
		p.mu.Unlock()
		close(p.stop)
		<-p.done
	})
	return nil
}

// Acquire checks out an adapter of the active provider, creating a new
// instance if the pool is below MaxSize, or waiting for a release otherwise.
// Fails with ErrAcquireTimeout after the configured timeout.
func (p *Pool) Acquire(ctx context.Context) (Lease, error) {
	deadline := p.now().Add(p.cfg.AcquireTimeout)

	for {
		active := p.manager.Active()

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Lease{}, ErrPoolClosed
		}

		// Reuse an idle instance of the active provider.
		if e := p.idleEntryLocked(active); e != nil {
			e.inUse = true
			e.acquired = p.now()
			p.mu.Unlock()
			return Lease{ID: e.id, Adapter: e.adapter, ProviderName: e.name}, nil
		}

		// Create a new instance if below capacity. Only the active provider
		// ever gets new pooled instances.
		if len(p.entries) < p.cfg.MaxSize {
			p.mu.Unlock()
			lease, err := p.createLease(active)
			if errors.Is(err, errPoolFull) {
				// Lost the last slot to a concurrent creator; spend the rest
				// of the acquire budget waiting for a release.
				continue
			}
			return lease, err
		}

		// At capacity: wait for a release.
		w := make(chan *pooledEntry, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		timer := time.NewTimer(time.Until(deadline))

		select {
		case e, ok := <-w:
			timer.Stop()
			if !ok {
				return Lease{}, ErrPoolClosed
			}
			return Lease{ID: e.id, Adapter: e.adapter, ProviderName: e.name}, nil
		case <-timer.C:
			p.dropWaiter(w)
			return Lease{}, ErrAcquireTimeout
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(w)
			return Lease{}, ctx.Err()
		}
	}
}

// Release returns a leased adapter to the pool and records the outcome with
// the manager. confidence < 0 means "not reported".
func (p *Pool) Release(id string, success bool, confidence float64) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownLease
	}
	now := p.now()
	held := now.Sub(e.acquired)
	e.lastUsed = now

	active := p.manager.Active()
	if e.name != active {
		// Stale provider: drop the instance instead of idling it.
		delete(p.entries, id)
		p.mu.Unlock()
		p.recordOutcome(e.name, success, confidence, held)
		return nil
	}

	if w := p.popWaiterLocked(); w != nil {
		e.acquired = now
		w <- e
		p.mu.Unlock()
		p.recordOutcome(e.name, success, confidence, held)
		return nil
	}

	e.inUse = false
	p.mu.Unlock()
	p.recordOutcome(e.name, success, confidence, held)
	return nil
}

// Remove evicts a leased adapter from the pool entirely and records the error
// with the manager.
func (p *Pool) Remove(id string, cause error) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownLease
	}
	delete(p.entries, id)
	p.mu.Unlock()

	p.manager.RecordError(e.name, cause)
	p.log.Debug("pooled adapter removed", "provider", e.name, "lease", id, "cause", cause)
	return nil
}

// Size reports the current number of pooled instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ─── internals ───

func (p *Pool) recordOutcome(name string, success bool, confidence float64, held time.Duration) {
	if success {
		p.manager.RecordSuccess(name, confidence, held)
		return
	}
	p.manager.RecordError(name, errors.New("asrpool: released with failure"))
}

func (p *Pool) createLease(active string) (Lease, error) {
	factory, err := p.manager.factoryFor(active)
	if err != nil {
		return Lease{}, err
	}
	adapter, err := factory()
	if err != nil {
		p.manager.RecordError(active, err)
		return Lease{}, fmt.Errorf("asrpool: create %s adapter: %w", active, err)
	}

	e := &pooledEntry{
		id:       uuid.NewString(),
		adapter:  adapter,
		name:     active,
		inUse:    true,
		acquired: p.now(),
		lastUsed: p.now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Lease{}, ErrPoolClosed
	}
	if len(p.entries) >= p.cfg.MaxSize {
		// Another creator took the last slot while the adapter was being
		// constructed. Discard the fresh instance and let the caller wait.
		p.mu.Unlock()
		return Lease{}, errPoolFull
	}
	p.entries[e.id] = e
	p.mu.Unlock()

	p.log.Debug("pooled adapter created", "provider", active, "lease", e.id)
	return Lease{ID: e.id, Adapter: adapter, ProviderName: active}, nil
}

func (p *Pool) idleEntryLocked(active string) *pooledEntry {
	for _, e := range p.entries {
		if !e.inUse && e.name == active {
			return e
		}
	}
	return nil
}

func (p *Pool) popWaiterLocked() chan *pooledEntry {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) dropWaiter(w chan *pooledEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	// A release may have handed an entry over before we got the lock; put it
	// back into the idle set so it is not leaked.
	select {
	case e, ok := <-w:
		if ok && e != nil {
			e.inUse = false
			e.lastUsed = p.now()
		}
	default:
	}
}

// reapLoop evicts idle instances past IdleTimeout, keeping at least MinSize.
func (p *Pool) reapLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := p.now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var evicted int
	for id, e := range p.entries {
		if len(p.entries) <= p.cfg.MinSize {
			break
		}
		if !e.inUse && e.lastUsed.Before(cutoff) {
			delete(p.entries, id)
			evicted++
		}
	}
	p.mu.Unlock()

	if evicted > 0 {
		p.log.Debug("idle adapters evicted", "count", evicted)
	}
}
