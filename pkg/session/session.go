// Package session stores login sessions in the key-value store and keeps a
// per-user index of live session ids.
//
// Layout:
//
//	session:{id}            json record, expires with the session
//	user_sessions:{userID}  hash of session id -> creation time
//
// The index expiry is only ever raised, so it always outlives the longest
// session it references. Index entries whose record has expired are skipped
// on read and removed when the user's sessions are revoked.
package session

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/pkg/codec"
	"github.com/google/uuid"
	"github.com/seasbee/go-logx"
)

// DefaultTTL is the session lifetime when none is given.
const DefaultTTL = 7 * 24 * time.Hour

const (
	sessionPrefix = "session:"
	indexPrefix   = "user_sessions:"
)

var (
	// ErrNotStored is returned by Create when the record could not be written.
	ErrNotStored = errors.New("session: record not stored")

	// ErrInvalidUser is returned by Create for non-positive user ids.
	ErrInvalidUser = errors.New("session: invalid user id")
)

// Session is one authenticated login.
type Session struct {
	ID             string         `json:"-"`
	UserID         int64          `json:"user_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed"`
	Attributes     map[string]any `json:"data,omitempty"`
}

// Store is the part of the key-value client sessions need.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	TTL(ctx context.Context, key string) int64
	Expire(ctx context.Context, key string, ttl time.Duration) bool
	HSet(ctx context.Context, key, field string, value []byte) bool
	HGetAll(ctx context.Context, key string) map[string][]byte
	HDel(ctx context.Context, key string, fields ...string) int
}

// Manager is safe for concurrent use. Read-then-write sequences are not
// atomic; concurrent updates to one session are last-write-wins.
type Manager struct {
	store      Store
	defaultTTL time.Duration
	obs        *observability.Manager
	now        func() time.Time
	newID      func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the lifetime used when Create gets no ttl.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithObservability attaches metrics, tracing and logging.
func WithObservability(o *observability.Manager) Option {
	return func(m *Manager) { m.obs = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultTTL returns the configured default lifetime.
func (m *Manager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

func sessionKey(id string) string {
	return sessionPrefix + id
}

func indexKey(userID int64) string {
	return indexPrefix + strconv.FormatInt(userID, 10)
}

// Create starts a session for userID and returns its id. A ttl of zero
// uses the default.
func (m *Manager) Create(ctx context.Context, userID int64, attrs map[string]any, ttl time.Duration) (string, error) {
	ctx, span := m.obs.TraceOperation(ctx, "session", "create", "")
	defer span.End()

	if userID <= 0 {
		return "", ErrInvalidUser
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := m.now().UTC()
	s := &Session{
		ID:             m.newID(),
		UserID:         userID,
		CreatedAt:      now,
		LastAccessedAt: now,
		Attributes:     attrs,
	}
	if !m.write(ctx, s, ttl) {
		m.obs.RecordSessionOperation("create", "error")
		return "", ErrNotStored
	}

	index := indexKey(userID)
	created := codec.NewValue(codec.KindRaw, []byte(now.Format(time.RFC3339Nano))).Bytes()
	if m.store.HSet(ctx, index, s.ID, created) {
		m.raiseIndexTTL(ctx, index, ttl)
	} else {
		logx.Warn("Session created without index entry",
			logx.Int("user_id", int(userID)))
	}

	m.obs.RecordSessionOperation("create", "success")
	logx.Info("Session created",
		logx.Int("user_id", int(userID)),
		logx.String("ttl", ttl.String()))
	return s.ID, nil
}

// Get returns a live session and marks it accessed. The record is
// rewritten with the remaining TTL read at lookup, so touching never
// extends a session.
func (m *Manager) Get(ctx context.Context, id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	key := sessionKey(id)
	s, ok := m.read(ctx, id)
	if !ok {
		m.obs.RecordSessionOperation("get", "miss")
		return nil, false
	}

	remaining := m.store.TTL(ctx, key)
	s.LastAccessedAt = m.now().UTC()
	switch {
	case remaining == -1:
		m.write(ctx, s, 0)
	case remaining > 0:
		m.write(ctx, s, time.Duration(remaining)*time.Second)
	}

	m.obs.RecordSessionOperation("get", "hit")
	return s, true
}

// Update merges attrs into the session. The record is rewritten with its
// remaining TTL; a record without expiry gets the default. A record that
// expired after the read, or whose TTL cannot be read, is not rewritten.
func (m *Manager) Update(ctx context.Context, id string, attrs map[string]any) bool {
	s, ok := m.read(ctx, id)
	if !ok {
		m.obs.RecordSessionOperation("update", "miss")
		return false
	}

	if s.Attributes == nil {
		s.Attributes = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		s.Attributes[k] = v
	}
	s.LastAccessedAt = m.now().UTC()

	var ttl time.Duration
	switch remaining := m.store.TTL(ctx, sessionKey(id)); {
	case remaining > 0:
		ttl = time.Duration(remaining) * time.Second
	case remaining == -1:
		ttl = m.defaultTTL
	default:
		m.obs.RecordSessionOperation("update", "miss")
		return false
	}
	if !m.write(ctx, s, ttl) {
		m.obs.RecordSessionOperation("update", "error")
		return false
	}
	m.raiseIndexTTL(ctx, indexKey(s.UserID), ttl)

	m.obs.RecordSessionOperation("update", "success")
	return true
}

// Delete ends one session and removes it from its owner's index.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	if s, ok := m.read(ctx, id); ok {
		m.store.HDel(ctx, indexKey(s.UserID), id)
	}
	deleted := m.store.Delete(ctx, sessionKey(id))
	if deleted {
		m.obs.RecordSessionOperation("delete", "success")
		logx.Info("Session deleted")
	}
	return deleted
}

// DeleteAllForUser ends every session of a user and drops the index. It
// returns how many live sessions were deleted.
func (m *Manager) DeleteAllForUser(ctx context.Context, userID int64) int {
	ctx, span := m.obs.TraceOperation(ctx, "session", "delete_all", "")
	defer span.End()

	index := indexKey(userID)
	deleted := 0
	for id := range m.store.HGetAll(ctx, index) {
		if m.store.Delete(ctx, sessionKey(id)) {
			deleted++
		}
	}
	m.store.Delete(ctx, index)

	m.obs.RecordSessionOperation("delete_all", "success")
	logx.Info("Deleted all user sessions",
		logx.Int("user_id", int(userID)),
		logx.Int("deleted", deleted))
	return deleted
}

// ListForUser returns the user's live sessions, oldest first, without
// touching them.
func (m *Manager) ListForUser(ctx context.Context, userID int64) []*Session {
	entries := m.store.HGetAll(ctx, indexKey(userID))
	sessions := make([]*Session, 0, len(entries))
	for id := range entries {
		if s, ok := m.read(ctx, id); ok {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

func (m *Manager) read(ctx context.Context, id string) (*Session, bool) {
	wire, ok := m.store.Get(ctx, sessionKey(id))
	if !ok {
		return nil, false
	}
	var s Session
	if err := codec.DecodeInto(wire, &s); err != nil {
		logx.Warn("Discarding unreadable session record", logx.ErrorField(err))
		return nil, false
	}
	s.ID = id
	return &s, true
}

func (m *Manager) write(ctx context.Context, s *Session, ttl time.Duration) bool {
	val, err := codec.EncodeJSON(s)
	if err != nil {
		logx.Error("Failed to encode session", logx.ErrorField(err))
		return false
	}
	return m.store.Set(ctx, sessionKey(s.ID), val.Bytes(), ttl)
}

// raiseIndexTTL extends the index expiry to at least ttl. It never
// shortens it, and an index without expiry is given one.
func (m *Manager) raiseIndexTTL(ctx context.Context, index string, ttl time.Duration) {
	current := m.store.TTL(ctx, index)
	if current == -2 {
		return
	}
	if current == -1 || time.Duration(current)*time.Second < ttl {
		m.store.Expire(ctx, index, ttl)
	}
}
