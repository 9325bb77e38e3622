package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rentease/converse/internal/logger"
)

var log = logger.New("registry")

// Delivery failures reported by a Sender. Both are transient from the
// sender's point of view and never fail a send.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// ErrConnectionOwned is returned when a live connection is registered again
// under a different user. A connection's user is fixed for its lifetime.
var ErrConnectionOwned = errors.New("connection registered to another user")

// Sender queues an encoded frame on a live connection without blocking.
type Sender interface {
	Send(payload []byte) error
}

// Connection is a point-in-time view of one registered connection
type Connection struct {
	ID     string
	UserID string
	Handle Sender
}

// Send forwards payload to the connection's handle
func (c Connection) Send(payload []byte) error {
	if c.Handle == nil {
		return ErrConnectionClosed
	}
	return c.Handle.Send(payload)
}

// Departure describes a connection removed by Unregister
type Departure struct {
	Connection
	Focused []string
	// Offline is set when this was the user's last connection.
	Offline bool
}

type entry struct {
	userID  string
	handle  Sender
	focused map[string]struct{}
}

// Registry maps users and conversations to live connections. Lookups return
// copies, so callers can fan out without holding the lock.
type Registry struct {
	mu             sync.RWMutex
	conns          map[string]*entry
	byUser         map[string]map[string]struct{}
	byConversation map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		conns:          make(map[string]*entry),
		byUser:         make(map[string]map[string]struct{}),
		byConversation: make(map[string]map[string]struct{}),
	}
}

// Register associates connID with userID. It reports whether userID had no
// other live connection. Registering a known connection again refreshes its
// handle; registering it under another user fails with ErrConnectionOwned.
func (r *Registry) Register(connID, userID string, handle Sender) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[connID]; ok {
		if e.userID != userID {
			return false, fmt.Errorf("%w: %s belongs to %s", ErrConnectionOwned, connID, e.userID)
		}
		e.handle = handle
		return false, nil
	}

	r.conns[connID] = &entry{
		userID:  userID,
		handle:  handle,
		focused: make(map[string]struct{}),
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	log.Debug("Registered connection %s for user %s (%d open)", connID, userID, len(set))
	return len(set) == 1, nil
}

// Unregister removes connID and its focus memberships. Unknown ids are a no-op.
func (r *Registry) Unregister(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Departure{}, false
	}
	d := Departure{
		Connection: Connection{ID: connID, UserID: e.userID, Handle: e.handle},
		Focused:    keys(e.focused),
	}
	r.removeLocked(connID, e)
	_, stillOnline := r.byUser[e.userID]
	d.Offline = !stillOnline
	log.Debug("Unregistered connection %s for user %s", connID, e.userID)
	return d, true
}

// Focus marks connID as viewing conversationID. It returns false for an
// unknown connection.
func (r *Registry) Focus(connID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	e.focused[conversationID] = struct{}{}
	set, ok := r.byConversation[conversationID]
	if !ok {
		set = make(map[string]struct{})
		r.byConversation[conversationID] = set
	}
	set[connID] = struct{}{}
	return true
}

func (r *Registry) Unfocus(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(e.focused, conversationID)
	r.dropFocusLocked(connID, conversationID)
}

func (r *Registry) ConnectionsFor(userID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.byUser[userID])
}

func (r *Registry) FocusedConnections(conversationID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.byConversation[conversationID])
}

func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return Connection{ID: connID, UserID: e.userID, Handle: e.handle}, true
}

func (r *Registry) IsFocused(connID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byConversation[conversationID][connID]
	return ok
}

// UserOnline reports whether userID has at least one live connection
func (r *Registry) UserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userID]) > 0
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

func (r *Registry) removeLocked(connID string, e *entry) {
	for conversationID := range e.focused {
		r.dropFocusLocked(connID, conversationID)
	}
	delete(r.conns, connID)
	if set, ok := r.byUser[e.userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, e.userID)
		}
	}
}

func (r *Registry) dropFocusLocked(connID, conversationID string) {
	set, ok := r.byConversation[conversationID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byConversation, conversationID)
	}
}

func (r *Registry) snapshotLocked(ids map[string]struct{}) []Connection {
	out := make([]Connection, 0, len(ids))
	for id := range ids {
		e := r.conns[id]
		out = append(out, Connection{ID: id, UserID: e.userID, Handle: e.handle})
	}
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
