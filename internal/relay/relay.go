// Package relay implements the multiplexing core: many concurrent client
// sessions funneled onto one shared backend channel. Writes are serialized
// so payloads never interleave, backend responses are routed back to the
// issuing client by their embedded request id, and everything a client
// caused the backend to create is released when that client goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/store"
	"github.com/muxtun/muxtun/pkg/protocol"
)

// ErrBackendLost is returned by Run when the shared backend channel fails.
// There is exactly one backend, so its loss is relay-fatal.
var ErrBackendLost = errors.New("backend channel lost")

// BackendChannel is the relay's single bidirectional byte stream to the
// backend process. Only the write serializer writes to it and only the
// routing loop consumes Output.
type BackendChannel interface {
	io.Writer
	Output() <-chan []byte
}

// Authenticator admits or rejects a client's handshake credential.
type Authenticator interface {
	VerifySecret(token string) bool
}

// Options configures the Relay.
type Options struct {
	ReleaseMethod string // backend method for synthesized release requests
}

// Relay multiplexes client sessions onto one backend channel.
type Relay struct {
	backend BackendChannel
	writer  *Writer
	tracker *Tracker
	authn   Authenticator
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options

	mu       sync.RWMutex
	sessions map[protocol.SessionID]*Session
	closed   bool

	shutdownOnce sync.Once
}

// New creates a Relay on top of an already-started backend channel.
func New(backend BackendChannel, authn Authenticator, st store.Store, m *metrics.Metrics, logger *slog.Logger, opts Options) *Relay {
	if opts.ReleaseMethod == "" {
		opts.ReleaseMethod = "release"
	}
	return &Relay{
		backend:  backend,
		writer:   NewWriter(backend, logger),
		tracker:  NewTracker(),
		authn:    authn,
		store:    st,
		metrics:  m,
		logger:   logger.With("component", "relay"),
		opts:     opts,
		sessions: make(map[protocol.SessionID]*Session),
	}
}

// Run consumes backend output and routes it until the context is canceled
// or the backend channel is lost. Backend loss forcibly closes every active
// session; each client just sees its stream closed.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.Shutdown("shutdown")
			return ctx.Err()
		case msg, ok := <-r.backend.Output():
			if !ok {
				r.logger.Error("backend channel lost, closing all sessions")
				r.Shutdown("backend lost")
				return ErrBackendLost
			}
			r.route(msg)
		}
	}
}

// HandleConnection runs one client connection to completion: handshake,
// registration, then the blocking read loop. It returns when the session is
// torn down. The caller supplies an already-connected stream.
func (r *Relay) HandleConnection(stream Stream, remoteAddr string) {
	sess := newSession(protocol.SessionID(uuid.New().String()), stream, remoteAddr)

	// The first message on a new connection is the credential. A mismatch
	// closes the connection with no session state recorded.
	sess.setState(StateAuthenticating)
	token, err := stream.ReadMessage()
	if err != nil {
		_ = stream.Close()
		sess.setState(StateClosed)
		return
	}
	if !r.authn.VerifySecret(string(token)) {
		r.metrics.AuthFailures.Inc()
		r.audit("auth.failure", "", fmt.Sprintf(`{"remote_addr":%q}`, remoteAddr))
		r.logger.Warn("authentication failed", "remote_addr", remoteAddr)
		_ = stream.Close()
		sess.setState(StateClosed)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = stream.Close()
		sess.setState(StateClosed)
		return
	}
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	sess.setState(StateActive)
	r.metrics.SessionsActive.Inc()

	ctx := context.Background()
	if err := r.store.CreateSession(ctx, &store.Session{
		ID:         string(sess.ID),
		RemoteAddr: remoteAddr,
		State:      "active",
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.CreatedAt,
	}); err != nil {
		r.logger.Warn("failed to persist session", "session_id", sess.ID, "error", err)
	}
	r.audit("session.connect", sess.ID, fmt.Sprintf(`{"remote_addr":%q}`, remoteAddr))
	r.logger.Info("client connected", "session_id", sess.ID, "remote_addr", remoteAddr)

	r.readLoop(sess)
}

// readLoop forwards one client's requests to the write serializer, recording
// each message's correlation entry before the write is enqueued so the entry
// exists before the backend can possibly answer.
func (r *Relay) readLoop(sess *Session) {
	defer r.closeSession(sess, "disconnect")

	for {
		msg, err := sess.stream.ReadMessage()
		if err != nil {
			return
		}
		if sess.State() != StateActive {
			return
		}
		if !sess.allowMessage() {
			r.logger.Debug("client message rate limited", "session_id", sess.ID)
			continue
		}

		if id, ok := protocol.ExtractRequestID(msg); ok {
			if prev, collided := r.tracker.Register(id, sess.ID); collided {
				// Last write wins; the earlier caller's response will be
				// misrouted. Documented hazard, surfaced but not corrected.
				r.metrics.CorrelationCollisions.Inc()
				r.logger.Warn("correlation id collision",
					"request_id", id, "session_id", sess.ID, "displaced_session_id", prev)
			}
		}

		if err := <-r.writer.Enqueue(msg); err != nil {
			r.metrics.BackendWriteErrors.Inc()
			continue
		}
		r.metrics.BackendWrites.Inc()
	}
}

// route delivers one backend message to the session that issued the matching
// request. Messages with no live correlation entry are dropped: broadcasting
// unrouted backend output would leak one client's data to another.
func (r *Relay) route(msg []byte) {
	id, ok := protocol.ExtractRequestID(msg)
	if !ok {
		r.metrics.UnroutableDropped.Inc()
		r.logger.Debug("backend message without id dropped")
		return
	}

	sid, ok := r.tracker.Take(id)
	if !ok {
		r.metrics.UnroutableDropped.Inc()
		r.logger.Debug("unroutable backend message dropped", "request_id", id)
		return
	}

	// A creation-shaped response transfers ownership of the new resource to
	// the requesting session, before the response is forwarded. This runs
	// even when the session is already gone: the resource exists backend-side
	// either way and must not be stranded.
	if handle, ok := protocol.ExtractHandle(msg); ok {
		r.recordCreation(sid, handle)
	}

	r.mu.RLock()
	sess := r.sessions[sid]
	r.mu.RUnlock()
	if sess == nil {
		r.metrics.UnroutableDropped.Inc()
		return
	}

	if err := sess.Write(msg); err != nil {
		r.logger.Debug("session write failed", "session_id", sid, "error", err)
		go r.closeSession(sess, "write failed")
		return
	}
	r.metrics.MessagesRouted.Inc()
}

// recordCreation transfers ownership of a newly created resource to the
// requesting session. If that session was torn down between the correlation
// take and this record, no teardown will ever run for it again, so the
// orphaned handle is released right here instead of entering the index.
func (r *Relay) recordCreation(sid protocol.SessionID, handle protocol.ResourceHandle) {
	if r.tracker.RecordResource(handle, sid) {
		r.logger.Debug("resource created", "handle", handle, "session_id", sid)
		return
	}
	r.logger.Warn("creation response arrived after owner teardown, releasing handle",
		"handle", handle, "session_id", sid)
	r.releaseResource(sid, handle)
}

// closeSession tears a session down: its correlation entries are dropped,
// every resource it owns gets a release request, and the stream is closed.
// Safe to call more than once; only the first call runs cleanup.
func (r *Relay) closeSession(sess *Session, reason string) {
	if !sess.beginClose() {
		return
	}

	r.mu.Lock()
	delete(r.sessions, sess.ID)
	r.mu.Unlock()

	ids, handles := r.tracker.ReleaseSession(sess.ID)
	for _, handle := range handles {
		r.releaseResource(sess.ID, handle)
	}

	sess.finishClose()
	r.metrics.SessionsActive.Dec()

	ctx := context.Background()
	if err := r.store.UpdateSessionState(ctx, string(sess.ID), "closed"); err != nil {
		r.logger.Warn("failed to update session state", "session_id", sess.ID, "error", err)
	}
	r.audit("session.disconnect", sess.ID,
		fmt.Sprintf(`{"reason":%q,"dropped_requests":%d,"released_resources":%d}`, reason, len(ids), len(handles)))
	r.logger.Info("client disconnected",
		"session_id", sess.ID, "reason", reason,
		"dropped_requests", len(ids), "released_resources", len(handles))
}

// releaseResource emits a fire-and-forget release request through the write
// serializer. Teardown does not block on the backend's acknowledgement; the
// handle already left the global index. A failed release is logged and not
// retried, since the client that would care is gone.
func (r *Relay) releaseResource(sid protocol.SessionID, handle protocol.ResourceHandle) {
	done := r.writer.Enqueue(protocol.ReleaseRequest(handle, r.opts.ReleaseMethod))
	r.metrics.ResourcesReleased.Inc()
	r.audit("resource.release", sid, fmt.Sprintf(`{"handle":%q}`, handle))

	go func() {
		if err := <-done; err != nil {
			r.logger.Warn("release request failed", "handle", handle, "error", err)
		}
	}()
}

// Shutdown closes every active session and stops admitting new ones.
func (r *Relay) Shutdown(reason string) {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		sessions := make([]*Session, 0, len(r.sessions))
		for _, sess := range r.sessions {
			sessions = append(sessions, sess)
		}
		r.mu.Unlock()

		for _, sess := range sessions {
			r.closeSession(sess, reason)
		}
	})
}

// ActiveCount returns the number of attached client sessions.
func (r *Relay) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Tracker exposes the correlation/resource tables for the status surface.
func (r *Relay) Tracker() *Tracker {
	return r.tracker
}

func (r *Relay) audit(action string, sid protocol.SessionID, detail string) {
	event := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		SessionID: string(sid),
		CreatedAt: time.Now(),
	}
	if detail != "" {
		event.Detail = []byte(detail)
	}
	if err := r.store.LogAuditEvent(context.Background(), event); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
