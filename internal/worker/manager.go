// Package worker owns the per-learner sessions of one process. It loads
// them lazily, writes their snapshots behind, and keeps processes that share
// a redis instance in sync.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"frenchmentor/internal/session"
	"frenchmentor/internal/storage"
	"frenchmentor/internal/tutor"
)

const defaultSaveTimeout = 5 * time.Second

// SnapshotStore is the durable home of learner snapshots.
type SnapshotStore interface {
	Load(ctx context.Context, userID int64) (session.Snapshot, error)
	Save(ctx context.Context, userID int64, snap session.Snapshot) error
	Delete(ctx context.Context, userID int64) error
}

// Recorder receives persistence and sync metrics on top of the session ones.
type Recorder interface {
	session.Recorder
	SnapshotSaved(err error)
	SyncEvent(direction string)
	SetActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) TurnFinished(string)                {}
func (nopRecorder) TutorAttempt(string, time.Duration) {}
func (nopRecorder) CreditsDebited(string, int)         {}
func (nopRecorder) LessonArchived()                    {}
func (nopRecorder) SnapshotSaved(error)                {}
func (nopRecorder) SyncEvent(string)                   {}
func (nopRecorder) SetActiveSessions(int)              {}

type Config struct {
	Session     session.Config
	Writers     int
	SaveTimeout time.Duration
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithCache enables the shared snapshot cache and cross-process sync.
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithSessionOptions are applied to every orchestrator the manager builds.
func WithSessionOptions(opts ...session.Option) Option {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

type entry struct {
	o *session.Orchestrator
	// set under Manager.mu once the learner is deleted; its commits are
	// no longer saved
	dropped bool
}

type Manager struct {
	cfg         Config
	tutor       tutor.Tutor
	store       SnapshotStore
	cache       Cache
	log         *zap.Logger
	metrics     Recorder
	sessionOpts []session.Option
	origin      string

	mu       sync.Mutex
	sessions map[int64]*entry
	loads    singleflight.Group

	dispatcher *Dispatcher
	pool       *writerPool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(cfg Config, t tutor.Tutor, store SnapshotStore, opts ...Option) *Manager {
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	m := &Manager{
		cfg:        cfg,
		tutor:      t,
		store:      store,
		log:        zap.NewNop(),
		metrics:    nopRecorder{},
		origin:     uuid.NewString(),
		sessions:   make(map[int64]*entry),
		dispatcher: NewDispatcher(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = newWriterPool(m.dispatcher, cfg.Writers, m.persist, m.log)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if m.cache == nil {
		close(m.done)
		return m
	}
	go func() {
		defer close(m.done)
		if err := m.cache.Listen(ctx, m.handleSync); err != nil {
			m.log.Error("sync listener stopped", zap.Error(err))
		}
	}()
	return m
}

// Origin identifies this process in sync messages.
func (m *Manager) Origin() string { return m.origin }

// Get returns the learner's orchestrator, loading it on first use from the
// cache, then the store, and otherwise starting fresh.
func (m *Manager) Get(ctx context.Context, userID int64) (*session.Orchestrator, error) {
	if o := m.lookup(userID); o != nil {
		return o, nil
	}
	v, err, _ := m.loads.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		if o := m.lookup(userID); o != nil {
			return o, nil
		}
		snap, found, err := m.loadSnapshot(ctx, userID)
		if err != nil {
			return nil, err
		}
		e := &entry{}
		opts := append([]session.Option{
			session.WithLogger(m.log.With(zap.Int64("user", userID))),
			session.WithRecorder(m.metrics),
			session.WithObserver(func(s session.Snapshot) { m.enqueue(userID, e, s) }),
		}, m.sessionOpts...)

		var o *session.Orchestrator
		if found {
			o = session.Restore(m.cfg.Session, m.tutor, snap, opts...)
		} else {
			o = session.New(m.cfg.Session, m.tutor, opts...)
		}
		e.o = o
		m.mu.Lock()
		m.sessions[userID] = e
		n := len(m.sessions)
		m.mu.Unlock()
		m.metrics.SetActiveSessions(n)
		m.log.Debug("session loaded", zap.Int64("user", userID), zap.Bool("restored", found))
		return o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", userID, err)
	}
	return v.(*session.Orchestrator), nil
}

func (m *Manager) lookup(userID int64) *session.Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[userID]; ok {
		return e.o
	}
	return nil
}

func (m *Manager) enqueue(userID int64, e *entry, snap session.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.dropped {
		return
	}
	m.dispatcher.Enqueue(userID, snap)
}

func (m *Manager) loadSnapshot(ctx context.Context, userID int64) (session.Snapshot, bool, error) {
	if m.cache != nil {
		snap, ok, err := m.cache.Load(ctx, userID)
		if err != nil {
			m.log.Warn("snapshot cache unavailable", zap.Int64("user", userID), zap.Error(err))
		} else if ok {
			return snap, true, nil
		}
	}
	snap, err := m.store.Load(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, err
	}
	if m.cache != nil {
		if err := m.cache.Store(ctx, userID, snap); err != nil {
			m.log.Warn("snapshot cache fill failed", zap.Int64("user", userID), zap.Error(err))
		}
	}
	return snap, true, nil
}

// persist writes one snapshot to the store, then refreshes the cache and
// tells the other processes.
func (m *Manager) persist(job saveJob) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SaveTimeout)
	defer cancel()

	err := m.store.Save(ctx, job.userID, job.snap)
	m.metrics.SnapshotSaved(err)
	if err != nil {
		m.log.Error("snapshot save failed",
			zap.Int64("user", job.userID), zap.Uint64("revision", job.snap.Revision), zap.Error(err))
		return
	}
	if m.cache == nil {
		return
	}
	if err := m.cache.Store(ctx, job.userID, job.snap); err != nil {
		m.log.Warn("snapshot cache refresh failed", zap.Int64("user", job.userID), zap.Error(err))
		return
	}
	msg := SyncMessage{UserID: job.userID, Origin: m.origin, Revision: job.snap.Revision, SavedAt: time.Now().UTC()}
	if err := m.cache.Publish(ctx, msg); err != nil {
		m.log.Warn("sync publish failed", zap.Int64("user", job.userID), zap.Error(err))
		return
	}
	m.metrics.SyncEvent("out")
}

// handleSync replaces a loaded session with the state another process just
// saved. The whole state is taken, last writer wins.
func (m *Manager) handleSync(msg SyncMessage) {
	if msg.Origin == m.origin {
		return
	}
	if msg.Deleted {
		if m.retire(msg.UserID) {
			m.dispatcher.Forget(msg.UserID)
			m.metrics.SyncEvent("in")
			m.log.Debug("session dropped from sync", zap.Int64("user", msg.UserID), zap.String("origin", msg.Origin))
		}
		return
	}
	o := m.lookup(msg.UserID)
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SaveTimeout)
	defer cancel()
	snap, found, err := m.loadSnapshot(ctx, msg.UserID)
	if err != nil || !found {
		m.log.Warn("sync reload failed", zap.Int64("user", msg.UserID), zap.Bool("found", found), zap.Error(err))
		return
	}
	m.dispatcher.Drop(msg.UserID)
	o.Replace(snap)
	m.metrics.SyncEvent("in")
	m.log.Debug("session replaced from sync",
		zap.Int64("user", msg.UserID), zap.String("origin", msg.Origin), zap.Uint64("revision", snap.Revision))
}

// Evict unloads the learner. Its pending snapshot is still written.
func (m *Manager) Evict(userID int64) {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	delete(m.sessions, userID)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.o.Release()
	m.metrics.SetActiveSessions(n)
}

// Delete erases the learner everywhere: the loaded session, unsaved
// snapshots, the store and the shared cache. Other processes are told to
// drop their copy.
func (m *Manager) Delete(ctx context.Context, userID int64) error {
	m.retire(userID)
	m.dispatcher.Forget(userID)
	if err := m.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete learner %d: %w", userID, err)
	}
	if m.cache == nil {
		return nil
	}
	if err := m.cache.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete learner %d: %w", userID, err)
	}
	msg := SyncMessage{UserID: userID, Origin: m.origin, Deleted: true, SavedAt: time.Now().UTC()}
	if err := m.cache.Publish(ctx, msg); err != nil {
		m.log.Warn("sync publish failed", zap.Int64("user", userID), zap.Error(err))
		return nil
	}
	m.metrics.SyncEvent("out")
	return nil
}

// retire unloads the learner and stops saving its commits. It reports
// whether a session was loaded.
func (m *Manager) retire(userID int64) bool {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	if ok {
		e.dropped = true
		delete(m.sessions, userID)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.o.Release()
	m.metrics.SetActiveSessions(n)
	return true
}

// Reset wipes the learner's history while keeping the credit balance.
func (m *Manager) Reset(ctx context.Context, userID int64) error {
	o, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	o.ResetHistory()
	return nil
}

// Active counts loaded sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop ends the sync listener and flushes every pending snapshot.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		<-m.done
		m.pool.stop()
	})
}
