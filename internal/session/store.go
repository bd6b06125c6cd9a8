package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attunevoice/attune/pkg/llm"
)

// Defaults for StoreConfig.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Durable persists sessions beyond the in-memory cache. Implementations
// return ErrNotFound for unknown ids.
type Durable interface {
	SaveSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	FetchSession(ctx context.Context, id string) (*Session, error)
}

// StoreConfig tunes a Store.
type StoreConfig struct {
	// TTL is the default session lifetime when Create is called with zero.
	TTL time.Duration

	// SweepInterval is how often expired sessions are evicted from the
	// cache.
	SweepInterval time.Duration
}

func (c *StoreConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Store is the session registry: cache-first reads, write-through updates,
// periodic expiry sweep. durable may be nil for memory-only operation.
type Store struct {
	cfg     StoreConfig
	durable Durable
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStore creates a Store and starts its expiry sweep.
func NewStore(durable Durable, cfg StoreConfig, log *slog.Logger) *Store {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		cfg:     cfg,
		durable: durable,
		log:     log.With("component", "session"),
		now:     time.Now,
		cache:   make(map[string]*Session),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Create registers a new pending session for userID. A zero ttl uses the
// configured default.
func (s *Store) Create(ctx context.Context, userID string, prefs map[string]string, ttl time.Duration) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: userID must not be empty")
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusPending,
		Context:   Context{Preferences: prefs},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if s.durable != nil {
		if err := s.durable.SaveSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("session: persist create: %w", err)
		}
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info("session created", "session_id", sess.ID, "user_id", userID, "expires_at", sess.ExpiresAt)
	return sess.clone(), nil
}

// Get returns the session by id: cache first, then the durable store. Only
// non-expired sessions are returned; an expired one yields ErrExpired.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	now := s.now()

	s.mu.Lock()
	if sess, ok := s.cache[id]; ok {
		if sess.Expired(now) {
			delete(s.cache, id)
			s.mu.Unlock()
			s.markExpired(ctx, sess)
			return nil, ErrExpired
		}
		out := sess.clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if s.durable == nil {
		return nil, ErrNotFound
	}
	sess, err := s.durable.FetchSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(now) {
		s.markExpired(ctx, sess)
		return nil, ErrExpired
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	out := sess.clone()
	s.mu.Unlock()
	return out, nil
}

// UpdateStatus sets the session's status, write-through.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, func(sess *Session) {
		sess.Status = status
	})
}

// UpdateContext appends msgs to the session's history and merges prefs,
// write-through. History is append-only: existing entries are never
// rewritten.
func (s *Store) UpdateContext(ctx context.Context, id string, msgs []llm.Message, prefs map[string]string) error {
	return s.update(ctx, id, func(sess *Session) {
		sess.Context.History = append(sess.Context.History, msgs...)
		if len(prefs) > 0 {
			if sess.Context.Preferences == nil {
				sess.Context.Preferences = make(map[string]string, len(prefs))
			}
			for k, v := range prefs {
				sess.Context.Preferences[k] = v
			}
		}
	})
}

// ActiveCount returns the number of live cached sessions.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Close stops the expiry sweep.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Store) update(ctx context.Context, id string, apply func(*Session)) error {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.cache[id]
	s.mu.Unlock()

	if !ok {
		// Fall back to the durable record so updates survive cache eviction.
		fetched, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		s.mu.Lock()
		sess, ok = s.cache[fetched.ID]
		s.mu.Unlock()
		if !ok {
			return ErrNotFound
		}
	}

	s.mu.Lock()
	if sess.Expired(now) {
		delete(s.cache, id)
		s.mu.Unlock()
		return ErrExpired
	}
	apply(sess)
	sess.UpdatedAt = now
	snapshot := sess.clone()
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.UpdateSession(ctx, snapshot); err != nil {
			return fmt.Errorf("session: persist update: %w", err)
		}
	}
	return nil
}

// markExpired records the terminal expired status in the durable store.
func (s *Store) markExpired(ctx context.Context, sess *Session) {
	if s.durable == nil || sess.Status == StatusExpired {
		return
	}
	sess.Status = StatusExpired
	sess.UpdatedAt = s.now()
	if err := s.durable.UpdateSession(ctx, sess); err != nil {
		s.log.Warn("expired session not persisted", "session_id", sess.ID, "error", err)
	}
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep evicts expired sessions from the cache.
func (s *Store) sweep() {
	now := s.now()

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.cache {
		if sess.Expired(now) {
			expired = append(expired, sess)
			delete(s.cache, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.markExpired(context.Background(), sess)
	}
	if len(expired) > 0 {
		s.log.Info("expired sessions evicted", "count", len(expired))
	}
}
