// Package registry maintains the in-process index of live chat connections.
// It answers "who is listening on this chat" and "send to everyone listening"
// for the gateway, and exposes the same state as read-only queries for the
// REST layer. The registry is single-node by design; cross-node presence is
// mirrored separately in Redis.
package registry

import (
	"log"
	"sync"

	"github.com/hireloop/chat-service/internal/metrics"
)

// Conn is the transport handle the registry tracks. The gateway's WebSocket
// connection is the production implementation; tests use in-memory fakes.
type Conn interface {
	ID() string
	UserID() int64
	ChatID() int64
	Send(data []byte) error
	Close() error
}

// Registry is a thread-safe dual index of live connections: chat -> conns
// and user -> conns. A single mutex guards both maps so a connection is
// always present in both indices or in neither.
type Registry struct {
	mu      sync.RWMutex
	byChat  map[int64]map[string]Conn
	byUser  map[int64]map[string]Conn
	onEvict func(Conn)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byChat: make(map[int64]map[string]Conn),
		byUser: make(map[int64]map[string]Conn),
	}
}

// SetOnEvict installs a callback invoked after a connection is removed
// because a send to it failed. Set it before any traffic flows; the callback
// runs outside the registry lock.
func (r *Registry) SetOnEvict(fn func(Conn)) {
	r.onEvict = fn
}

// Register adds a connection to both indices and reports whether its user
// already had another connection in the same chat, decided in the same
// critical section as the insert so concurrent first connections cannot
// both observe an empty chat. Registering the same connection twice is a
// no-op: entries are keyed by connection ID, so a duplicate call never
// creates a second fan-out target.
func (r *Registry) Register(c Conn) (wasInChat bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byChat[c.ChatID()] {
		if existing.UserID() == c.UserID() {
			wasInChat = true
			break
		}
	}

	if _, ok := r.byChat[c.ChatID()]; !ok {
		r.byChat[c.ChatID()] = make(map[string]Conn)
	}
	if _, ok := r.byUser[c.UserID()]; !ok {
		r.byUser[c.UserID()] = make(map[string]Conn)
	}
	if _, dup := r.byChat[c.ChatID()][c.ID()]; dup {
		return wasInChat
	}
	r.byChat[c.ChatID()][c.ID()] = c
	r.byUser[c.UserID()][c.ID()] = c

	metrics.ConnectionsActive.Inc()
	return wasInChat
}

// Unregister removes a connection from both indices in one critical section.
// It is idempotent: removing an absent or never-registered connection is
// harmless. Returns true if the connection was present.
func (r *Registry) Unregister(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byChat[c.ChatID()]
	if !ok {
		return false
	}
	if _, ok := conns[c.ID()]; !ok {
		return false
	}

	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(r.byChat, c.ChatID())
	}
	if userConns, ok := r.byUser[c.UserID()]; ok {
		delete(userConns, c.ID())
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID())
		}
	}

	metrics.ConnectionsActive.Dec()
	return true
}

// Broadcast sends frame to every connection registered under chatID except
// those owned by excludeUserID (pass 0 to exclude no one). A send failure on
// one connection never aborts delivery to the rest; failed connections are
// evicted from the registry and closed.
func (r *Registry) Broadcast(chatID int64, frame []byte, excludeUserID int64) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.byChat[chatID]))
	for _, c := range r.byChat[chatID] {
		if excludeUserID != 0 && c.UserID() == excludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	// Sends happen outside the lock; eviction re-acquires it per failure.
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.evict(c, err)
		}
	}
}

// SendToUser sends frame to every connection owned by userID, across all of
// the user's open tabs. Same failure isolation contract as Broadcast.
func (r *Registry) SendToUser(userID int64, frame []byte) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.evict(c, err)
		}
	}
}

// evict removes and closes a connection whose transport failed. A send error
// is treated as an implicit disconnect; the gateway's read loop will observe
// the closed transport and finish its own teardown, which is harmless
// because Unregister is idempotent. The eviction callback fires only when
// this call actually removed the connection, so the gateway runs its
// disconnect bookkeeping exactly once.
func (r *Registry) evict(c Conn, err error) {
	removed := r.Unregister(c)
	_ = c.Close()
	if !removed {
		return
	}
	log.Printf("registry: send failed, evicting conn=%s user=%d chat=%d: %v",
		c.ID(), c.UserID(), c.ChatID(), err)
	if r.onEvict != nil {
		r.onEvict(c)
	}
}

// IsUserOnline reports whether the user has at least one live connection.
func (r *Registry) IsUserOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// UserInChat reports whether the user has at least one live connection
// bound to chatID.
func (r *Registry) UserInChat(userID, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byChat[chatID] {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

// OnlineUsers returns the distinct user IDs with a live connection in chatID.
func (r *Registry) OnlineUsers(chatID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]struct{})
	users := make([]int64, 0, len(r.byChat[chatID]))
	for _, c := range r.byChat[chatID] {
		if _, ok := seen[c.UserID()]; ok {
			continue
		}
		seen[c.UserID()] = struct{}{}
		users = append(users, c.UserID())
	}
	return users
}

// AllConns returns a snapshot of every live connection, safe to iterate
// without holding the lock. Used for shutdown.
func (r *Registry) AllConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.byUser))
	for _, userConns := range r.byUser {
		for _, c := range userConns {
			conns = append(conns, c)
		}
	}
	return conns
}

// AllUsers returns the distinct user IDs with any live connection.
func (r *Registry) AllUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	return users
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.byChat {
		n += len(conns)
	}
	return n
}

// CountInChat returns the number of live connections bound to chatID.
func (r *Registry) CountInChat(chatID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChat[chatID])
}
