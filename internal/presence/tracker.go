package presence

import (
	"sync"
	"time"

	"github.com/rentease/converse/internal/logger"
)

var log = logger.New("presence")

// DefaultTypingTimeout is how long a typing indicator survives without a refresh
const DefaultTypingTimeout = 2 * time.Second

// ExpireFunc is called, outside the tracker lock, when an entry times out.
type ExpireFunc func(conversationID, userID string)

// Typing is a snapshot of one typing indicator
type Typing struct {
	ConversationID string
	UserID         string
	DisplayName    string
	ConnectionID   string
	LastActivity   time.Time
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	Typing
	gen   uint64
	timer *time.Timer
}

// Tracker holds ephemeral typing state keyed by (conversation, user).
// Every Start re-arms the entry's timer; a timer only fires its entry if no
// newer Start or Stop has happened since it was armed.
type Tracker struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[typingKey]*typingEntry
	gen      uint64
	onExpire ExpireFunc
	now      func() time.Time
}

func NewTracker(timeout time.Duration, onExpire ExpireFunc) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Tracker{
		timeout:  timeout,
		entries:  make(map[typingKey]*typingEntry),
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Start upserts the entry and re-arms its timer. It reports whether the
// entry is new.
func (t *Tracker) Start(conversationID, userID, displayName, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := typingKey{conversationID: conversationID, userID: userID}
	e, exists := t.entries[k]
	if exists {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		t.entries[k] = e
	}

	t.gen++
	gen := t.gen
	e.Typing = Typing{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		ConnectionID:   connID,
		LastActivity:   t.now(),
	}
	e.gen = gen
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(k, gen) })
	return !exists
}

// Stop removes the entry immediately. It reports whether one existed.
func (t *Tracker) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := typingKey{conversationID: conversationID, userID: userID}
	e, ok := t.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, k)
	return true
}

// ClearConnection removes every entry last refreshed by connID and returns
// them so the caller can announce the stops.
func (t *Tracker) ClearConnection(connID string) []Typing {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []Typing
	for k, e := range t.entries {
		if e.ConnectionID != connID {
			continue
		}
		e.timer.Stop()
		delete(t.entries, k)
		cleared = append(cleared, e.Typing)
	}
	if len(cleared) > 0 {
		log.Debug("Cleared %d typing indicators for connection %s", len(cleared), connID)
	}
	return cleared
}

// Active lists who is typing in conversationID
func (t *Tracker) Active(conversationID string) []Typing {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Typing
	for k, e := range t.entries {
		if k.conversationID == conversationID {
			out = append(out, e.Typing)
		}
	}
	return out
}

// Len returns the number of live typing indicators
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels all pending timers without firing them
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	t.mu.Unlock()

	log.Debug("Typing indicator expired for user %s in conversation %s", k.userID, k.conversationID)
	if t.onExpire != nil {
		t.onExpire(k.conversationID, k.userID)
	}
}
