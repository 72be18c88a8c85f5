package forum

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/converso-app/converso/backend/internal/auth"
	"github.com/converso-app/converso/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SessionState is the lifecycle state of a room session.
type SessionState string

const (
	// SessionIdle means no scope is selected yet.
	SessionIdle SessionState = "idle"
	// SessionLoading means history is being fetched for a selected scope.
	SessionLoading SessionState = "loading"
	// SessionLive means history is loaded and the scoped subscription feeds
	// the log.
	SessionLive SessionState = "live"
	// SessionClosed is terminal; the subscription has been torn down.
	SessionClosed SessionState = "closed"
)

const (
	opSessionNew   = "session.new"
	opSessionOpen  = "session.open"
	opSessionSend  = "session.send"
	opSessionReact = "session.react"

	defaultSubscribeRetries = 3
	defaultRetryBackoff     = 250 * time.Millisecond
)

// SessionConfig describes the dependencies of a room session.
type SessionConfig struct {
	Database   *gorm.DB
	Transport  Transport
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// SubscribeRetries bounds re-attempts of subscription establishment.
	SubscribeRetries int
	// RetryBackoff is the base delay between subscription attempts; each
	// attempt doubles it.
	RetryBackoff time.Duration
}

// Session is the state machine bound to one discussion scope: it loads
// history, applies scoped change events to an ordered in-memory log and
// exposes the send and react commands. One session serves one client; the
// durable store is the only state shared between sessions.
type Session struct {
	db        *gorm.DB
	transport Transport
	clock     func() time.Time
	ids       IDProvider
	logger    *zap.Logger
	retries   int
	backoff   time.Duration

	mu        sync.Mutex
	state     SessionState
	scope     Scope
	log       []Post
	stale     bool
	epoch     int64
	cancelSub func()
	updates   chan []Post
}

// NewSession constructs an idle session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSessionNew, "missing_database", errMissingDatabase)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opSessionNew, "missing_transport", errMissingTransport)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retries := cfg.SubscribeRetries
	if retries <= 0 {
		retries = defaultSubscribeRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Session{
		db:        cfg.Database,
		transport: cfg.Transport,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		retries:   retries,
		backoff:   backoff,
		state:     SessionIdle,
		updates:   make(chan []Post, 1),
	}, nil
}

// Open selects a scope: it closes any previous subscription first, loads the
// full ordered history and subscribes to the scope's post events. Opening a
// new scope while one is live never stacks subscriptions, so a topic switch
// cannot produce duplicate event delivery.
//
// Subscription establishment is retried with bounded backoff; when every
// attempt fails the session still goes live on the loaded history but is
// marked stale.
func (s *Session) Open(ctx context.Context, scope Scope) error {
	if scope.IsZero() {
		return newServiceError(opSessionOpen, "invalid_scope", ErrValidation)
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return newServiceError(opSessionOpen, "session_closed", ErrSessionClosed)
	}
	if s.cancelSub != nil {
		s.cancelSub()
		s.cancelSub = nil
	}
	s.epoch++
	epoch := s.epoch
	s.scope = scope
	s.state = SessionLoading
	s.log = nil
	s.stale = false
	s.mu.Unlock()

	var history []Post
	if err := s.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).
		Order("created_at_s ASC, post_id ASC").
		Find(&history).Error; err != nil {
		s.logError(opSessionOpen, "history_query_failed", err, zap.String("scope", scope.Key()))
		s.mu.Lock()
		if s.epoch == epoch && s.state == SessionLoading {
			s.state = SessionIdle
		}
		s.mu.Unlock()
		return newServiceError(opSessionOpen, "history_query_failed", err)
	}

	stream, cancel, subscribeErr := s.subscribeWithRetry(ctx, scope)

	s.mu.Lock()
	if s.epoch != epoch || s.state == SessionClosed {
		// A concurrent Open or Close superseded this one.
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	s.log = history
	s.state = SessionLive
	s.stale = subscribeErr != nil
	s.cancelSub = cancel
	snapshot := append([]Post(nil), s.log...)
	s.mu.Unlock()

	if subscribeErr != nil {
		s.logError(opSessionOpen, "subscribe_failed", subscribeErr, zap.String("scope", scope.Key()))
	}
	if stream != nil {
		go s.consume(epoch, stream)
	}
	s.notify(snapshot)
	return nil
}

func (s *Session) subscribeWithRetry(ctx context.Context, scope Scope) (<-chan realtime.Event, func(), error) {
	delay := s.backoff
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		stream, cancel, err := s.transport.Subscribe(ctx, scope.Key(),
			realtime.EventPostInserted, realtime.EventPostUpdated)
		if err == nil {
			return stream, cancel, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// Close tears down the subscription and makes the session terminal. It is
// idempotent and safe on every exit path.
func (s *Session) Close() {
	s.mu.Lock()
	if s.cancelSub != nil {
		s.cancelSub()
		s.cancelSub = nil
	}
	s.epoch++
	s.state = SessionClosed
	s.mu.Unlock()
}

func (s *Session) consume(epoch int64, stream <-chan realtime.Event) {
	for event := range stream {
		s.applyTransportEvent(epoch, event)
	}
}

func (s *Session) applyTransportEvent(epoch int64, event realtime.Event) {
	logEvent, ok := LogEventFrom(event)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.epoch != epoch || s.state != SessionLive {
		s.mu.Unlock()
		return
	}
	next, applied := ApplyEvent(s.log, logEvent)
	var snapshot []Post
	if applied {
		s.log = next
		snapshot = append([]Post(nil), next...)
	}
	s.mu.Unlock()
	if applied {
		s.notify(snapshot)
	}
}

// Send validates and persists a new post on the open scope. The insert is
// applied to the local log immediately; the echoed insert event deduplicates
// by post id, so a send never renders twice.
func (s *Session) Send(ctx context.Context, content string, author auth.Identity) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", newServiceError(opSessionSend, "empty_content", ErrValidation)
	}
	if author.IsZero() {
		return "", newServiceError(opSessionSend, "missing_author", errMissingIdentity)
	}

	s.mu.Lock()
	if s.state != SessionLive && s.state != SessionLoading {
		s.mu.Unlock()
		return "", newServiceError(opSessionSend, "not_open", ErrSessionClosed)
	}
	scope := s.scope
	epoch := s.epoch
	s.mu.Unlock()

	postID, err := s.ids.NewID()
	if err != nil {
		s.logError(opSessionSend, "id_generation_failed", err)
		return "", newServiceError(opSessionSend, "id_generation_failed", err)
	}
	post := Post{
		PostID:           postID,
		ScopeKind:        scope.Kind,
		ScopeID:          scope.ID,
		Content:          trimmed,
		AuthorID:         author.UserID,
		AuthorName:       author.DisplayName,
		IsPrivileged:     author.Privileged,
		ReactionsJSON:    "{}",
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		s.logError(opSessionSend, "post_insert_failed", err, zap.String("scope", scope.Key()))
		return "", newServiceError(opSessionSend, "post_insert_failed", err)
	}

	event := realtime.Event{
		Type:    realtime.EventPostInserted,
		Scope:   scope.Key(),
		Payload: post,
	}
	s.applyTransportEvent(epoch, event)
	s.transport.Publish(event)
	return postID, nil
}

// React toggles the user's membership in one emoji's reactor set on a post in
// the session log. The toggle is applied optimistically in memory, persisted,
// and rolled back if the persist fails; the authoritative copy arrives via
// the echoed update event. Two racing toggles resolve last-write-wins, an
// accepted risk for emoji reactions.
func (s *Session) React(ctx context.Context, postID, emoji string, user auth.Identity) error {
	if strings.TrimSpace(emoji) == "" {
		return newServiceError(opSessionReact, "empty_emoji", ErrValidation)
	}
	if user.IsZero() {
		return newServiceError(opSessionReact, "missing_user", errMissingIdentity)
	}

	s.mu.Lock()
	if s.state != SessionLive {
		s.mu.Unlock()
		return newServiceError(opSessionReact, "not_live", ErrSessionClosed)
	}
	epoch := s.epoch
	scope := s.scope
	index := indexOfPost(s.log, postID)
	if index < 0 {
		s.mu.Unlock()
		return newServiceError(opSessionReact, "post_not_found", ErrPostNotFound)
	}
	previous := s.log[index].ReactionsJSON
	toggled := Toggle(s.log[index].Reactions(), emoji, user.UserID)
	encoded, err := toggled.Encode()
	if err != nil {
		s.mu.Unlock()
		return newServiceError(opSessionReact, "encode_failed", err)
	}
	updated := s.log[index]
	updated.ReactionsJSON = encoded
	s.log = replaceAt(s.log, index, updated)
	snapshot := append([]Post(nil), s.log...)
	s.mu.Unlock()
	s.notify(snapshot)

	if err := s.db.WithContext(ctx).Model(&Post{}).
		Where("post_id = ?", postID).
		Update("reactions_json", encoded).Error; err != nil {
		s.logError(opSessionReact, "persist_failed", err, zap.String("post_id", postID))
		s.rollbackReaction(epoch, postID, encoded, previous)
		return newServiceError(opSessionReact, "persist_failed", err)
	}

	s.transport.Publish(realtime.Event{
		Type:    realtime.EventPostUpdated,
		Scope:   scope.Key(),
		Payload: updated,
	})
	return nil
}

// rollbackReaction reverts the optimistic toggle after a failed persist. A
// session that was closed or reopened in the meantime is left untouched.
func (s *Session) rollbackReaction(epoch int64, postID, optimistic, previous string) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != SessionLive {
		s.mu.Unlock()
		return
	}
	index := indexOfPost(s.log, postID)
	if index < 0 || s.log[index].ReactionsJSON != optimistic {
		s.mu.Unlock()
		return
	}
	reverted := s.log[index]
	reverted.ReactionsJSON = previous
	s.log = replaceAt(s.log, index, reverted)
	snapshot := append([]Post(nil), s.log...)
	s.mu.Unlock()
	s.notify(snapshot)
}

// Snapshot returns a copy of the ordered post log.
func (s *Session) Snapshot() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.log...)
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scope returns the currently selected scope.
func (s *Session) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Stale reports whether the live subscription could not be established and
// the log may be behind the store.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Updates delivers log snapshots after every applied change. The channel
// coalesces: a slow consumer observes the latest snapshot, not every
// intermediate one.
func (s *Session) Updates() <-chan []Post {
	return s.updates
}

func (s *Session) notify(snapshot []Post) {
	select {
	case s.updates <- snapshot:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- snapshot:
		default:
		}
	}
}

func (s *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room session error", attrs...)
}
