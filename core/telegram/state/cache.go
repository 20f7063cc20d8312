package state

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/m3rciful/guestbot/core/logger"
	tghelpers "github.com/m3rciful/guestbot/core/telegram/helpers"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// cacheManager keeps sessions in a bigcache instance. Entries expire after the
// configured TTL of inactivity, which doubles as the idle-session reaper: an
// abandoned dialog simply evaporates and the next message starts from idle.
type cacheManager struct {
	cache *bigcache.BigCache
}

// NewCacheManager constructs a Manager backed by bigcache with the given
// idle TTL. A zero or negative TTL keeps sessions forever.
func NewCacheManager(ttl time.Duration) (Manager, error) {
	if ttl <= 0 {
		// bigcache requires a positive life window; a huge one is
		// effectively "never evict".
		ttl = 24 * 365 * time.Hour
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &cacheManager{cache: cache}, nil
}

func sessionKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (m *cacheManager) load(userID int64) (*Session, bool) {
	raw, err := m.cache.Get(sessionKey(userID))
	if err != nil {
		return nil, false
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		logger.Warn(context.Background(), "tg", "fsm.session.decode_failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		_ = m.cache.Delete(sessionKey(userID))
		return nil, false
	}
	if sess.TempData == nil {
		sess.TempData = make(map[string]interface{})
	}
	return &sess, true
}

func (m *cacheManager) save(userID int64, sess *Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		logger.Warn(context.Background(), "tg", "fsm.session.encode_failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return
	}
	if err := m.cache.Set(sessionKey(userID), raw); err != nil {
		logger.Warn(context.Background(), "tg", "fsm.session.store_failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
	}
}

// Get returns the session for a user if it exists, otherwise a default idle session.
func (m *cacheManager) Get(userID int64) *Session {
	if sess, ok := m.load(userID); ok {
		return sess
	}
	return &Session{State: StateIdle, TempData: make(map[string]interface{})}
}

// Set updates the state for a user, creating a new session if necessary.
func (m *cacheManager) Set(userID int64, state State) {
	sess, ok := m.load(userID)
	if !ok {
		sess = &Session{TempData: make(map[string]interface{})}
	}
	sess.State = state
	m.save(userID, sess)
}

// SetTemp stores a temporary key/value pair for the given user session.
func (m *cacheManager) SetTemp(userID int64, key string, value interface{}) {
	sess, ok := m.load(userID)
	if !ok {
		sess = &Session{TempData: make(map[string]interface{})}
	}
	sess.TempData[key] = value
	m.save(userID, sess)
}

// GetTemp retrieves a temporary value by key for the given user session.
func (m *cacheManager) GetTemp(userID int64, key string) (interface{}, bool) {
	sess, ok := m.load(userID)
	if !ok {
		return nil, false
	}
	val, ok := sess.TempData[key]
	return val, ok
}

// GetTempInt64 retrieves a temporary value by key and asserts it as int64.
// JSON round-trips store numbers as float64, so both representations are accepted.
func (m *cacheManager) GetTempInt64(userID int64, key string) (int64, bool) {
	val, found := m.GetTemp(userID, key)
	if !found {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// ClearTemp removes a temporary key/value pair for the given user session.
func (m *cacheManager) ClearTemp(userID int64, key string) {
	sess, ok := m.load(userID)
	if !ok {
		return
	}
	delete(sess.TempData, key)
	m.save(userID, sess)
}

// Clear removes the entire session for a user.
func (m *cacheManager) Clear(userID int64) {
	_ = m.cache.Delete(sessionKey(userID))
}

// SetState sets the FSM state for the given user.
func (m *cacheManager) SetState(userID int64, st State) {
	m.Set(userID, st)
}

// GetState returns the current FSM state of a user, or StateIdle if none exists.
func (m *cacheManager) GetState(userID int64) State {
	if sess, ok := m.load(userID); ok {
		return sess.State
	}
	return StateIdle
}

// ClearState resets the FSM state to idle for a user without removing session data.
func (m *cacheManager) ClearState(userID int64) {
	sess, ok := m.load(userID)
	if !ok {
		return
	}
	sess.State = StateIdle
	m.save(userID, sess)
}

// HasState checks if a user has an active state other than idle.
func (m *cacheManager) HasState(userID int64) bool {
	sess, ok := m.load(userID)
	return ok && sess.State != StateIdle
}

// InProgress reports whether the user currently has an active FSM state.
func (m *cacheManager) InProgress(userID int64) bool {
	return m.HasState(userID)
}

// ManagerHandler executes the handler registered for the user's current state, if any.
func (m *cacheManager) ManagerHandler(c tele.Context) error {
	userID := c.Sender().ID
	current := m.GetState(userID)
	ctx := tghelpers.BuildContext(c)
	logger.Debug(ctx, "tg", "fsm.manager",
		slog.String("status", "ok"),
		slog.Int64("user_id", userID),
		slog.String("state", string(current)),
	)

	if handler, ok := fsmHandlers[current]; ok {
		return handler(c)
	}
	return nil
}
