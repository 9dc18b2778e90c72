package relay

import (
	"sync"

	"github.com/muxtun/muxtun/pkg/protocol"
)

// sessionRefs is everything a single session currently owns.
type sessionRefs struct {
	pending map[protocol.RequestID]struct{}
	owned   map[protocol.ResourceHandle]struct{}
}

// Tracker is the correlation table and the global resource index. Every
// outstanding request id maps to exactly one owning session, and every live
// resource handle has exactly one owner. All operations are non-blocking
// critical sections; the lock is never held across I/O.
type Tracker struct {
	mu       sync.Mutex
	pending  map[protocol.RequestID]protocol.SessionID
	owners   map[protocol.ResourceHandle]protocol.SessionID
	sessions map[protocol.SessionID]*sessionRefs
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending:  make(map[protocol.RequestID]protocol.SessionID),
		owners:   make(map[protocol.ResourceHandle]protocol.SessionID),
		sessions: make(map[protocol.SessionID]*sessionRefs),
	}
}

func (t *Tracker) refs(sid protocol.SessionID) *sessionRefs {
	refs, ok := t.sessions[sid]
	if !ok {
		refs = &sessionRefs{
			pending: make(map[protocol.RequestID]struct{}),
			owned:   make(map[protocol.ResourceHandle]struct{}),
		}
		t.sessions[sid] = refs
	}
	return refs
}

// Register records that owner issued request id. On a colliding id the later
// registration wins and the previous owner is returned; the collision is the
// documented misrouting hazard, reported but not corrected.
func (t *Tracker) Register(id protocol.RequestID, owner protocol.SessionID) (prev protocol.SessionID, collided bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[id]; ok && existing != owner {
		if refs, ok := t.sessions[existing]; ok {
			delete(refs.pending, id)
		}
		prev, collided = existing, true
	}
	t.pending[id] = owner
	t.refs(owner).pending[id] = struct{}{}
	return prev, collided
}

// Take removes and returns the owner of a live correlation entry. The entry
// is gone the moment the matching response is routed.
func (t *Tracker) Take(id protocol.RequestID) (protocol.SessionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, ok := t.pending[id]
	if !ok {
		return "", false
	}
	delete(t.pending, id)
	if refs, ok := t.sessions[owner]; ok {
		delete(refs.pending, id)
	}
	return owner, true
}

// RecordResource indexes a freshly created backend resource under its owner.
// It reports false when the owner has already been released: Register creates
// a session's refs and only ReleaseSession deletes them, so their absence
// means teardown already swept this session and recording now would insert a
// handle no future teardown will ever remove.
func (t *Tracker) RecordResource(handle protocol.ResourceHandle, owner protocol.SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	refs, ok := t.sessions[owner]
	if !ok {
		return false
	}
	t.owners[handle] = owner
	refs.owned[handle] = struct{}{}
	return true
}

// Owner reports which session owns a live resource handle.
func (t *Tracker) Owner(handle protocol.ResourceHandle) (protocol.SessionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, ok := t.owners[handle]
	return owner, ok
}

// ReleaseSession atomically removes everything a session owns and returns
// it: its live correlation entries and its resource handles. The handles
// leave the global index here, before any release request is sent, so no
// other session can reference them during teardown.
func (t *Tracker) ReleaseSession(sid protocol.SessionID) (ids []protocol.RequestID, handles []protocol.ResourceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	refs, ok := t.sessions[sid]
	if !ok {
		return nil, nil
	}
	delete(t.sessions, sid)

	for id := range refs.pending {
		delete(t.pending, id)
		ids = append(ids, id)
	}
	for handle := range refs.owned {
		delete(t.owners, handle)
		handles = append(handles, handle)
	}
	return ids, handles
}

// PendingCount reports the number of live correlation entries.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ResourceCount reports the number of live resource handles.
func (t *Tracker) ResourceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}
