// Package registry is the in-memory source of truth mapping live connections
// to authenticated peer identities.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/ws"
)

// Entry is the authenticated identity bound to one live connection.
// Which identity fields are set depends on Role.
type Entry struct {
	Role       model.Role
	Conn       *ws.Conn
	ConsoleID  string // console
	OwnerID    string // console, web
	LoginToken string // desktop
	AdmittedAt time.Time
}

// ConnID returns the id of the bound connection.
func (e *Entry) ConnID() string {
	return e.Conn.ID()
}

// Alive reports whether the bound connection is still open.
func (e *Entry) Alive() bool {
	return e.Conn != nil && e.Conn.IsAlive()
}

// Info returns the public description of the entry.
func (e *Entry) Info() model.ConnectionInfo {
	return model.ConnectionInfo{
		SocketID:   e.ConnID(),
		Role:       e.Role,
		ConsoleID:  e.ConsoleID,
		UserID:     e.OwnerID,
		AdmittedAt: e.AdmittedAt,
	}
}

// Registry indexes entries by connection and by role-specific identity.
//
// At most one web entry exists per owner: admitting a web entry evicts the
// previous one for that owner. Entries whose connection has died are treated
// as absent by lookups but stay until Remove is called for their connection.
type Registry struct {
	mu             sync.RWMutex
	byConn         map[string]*Entry
	webByOwner     map[string]string
	consoleByID    map[string]string
	desktopByToken map[string]string
	now            func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byConn:         make(map[string]*Entry),
		webByOwner:     make(map[string]string),
		consoleByID:    make(map[string]string),
		desktopByToken: make(map[string]string),
		now:            time.Now,
	}
}

// Admit inserts e and returns the web entry it evicted, if any.
func (r *Registry) Admit(e *Entry) (evicted *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.AdmittedAt.IsZero() {
		e.AdmittedAt = r.now()
	}

	connID := e.ConnID()
	if prev, ok := r.byConn[connID]; ok {
		r.unindexLocked(connID, prev)
	}

	switch e.Role {
	case model.RoleWeb:
		if prevID, ok := r.webByOwner[e.OwnerID]; ok && prevID != connID {
			evicted = r.byConn[prevID]
			delete(r.byConn, prevID)
		}
		r.webByOwner[e.OwnerID] = connID
	case model.RoleConsole:
		r.consoleByID[e.ConsoleID] = connID
	case model.RoleDesktop:
		r.desktopByToken[e.LoginToken] = connID
	}

	r.byConn[connID] = e
	return evicted
}

// Remove deletes the entry bound to connID. Removing an absent connection is
// a no-op that reports false.
func (r *Registry) Remove(connID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	r.unindexLocked(connID, e)
	return e, true
}

func (r *Registry) unindexLocked(connID string, e *Entry) {
	switch e.Role {
	case model.RoleWeb:
		if r.webByOwner[e.OwnerID] == connID {
			delete(r.webByOwner, e.OwnerID)
		}
	case model.RoleConsole:
		if r.consoleByID[e.ConsoleID] == connID {
			delete(r.consoleByID, e.ConsoleID)
		}
	case model.RoleDesktop:
		if r.desktopByToken[e.LoginToken] == connID {
			delete(r.desktopByToken, e.LoginToken)
		}
	}
}

// Lookup returns the oldest live entry matching pred.
func (r *Registry) Lookup(pred func(*Entry) bool) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanLocked(pred)
}

func (r *Registry) scanLocked(pred func(*Entry) bool) (*Entry, bool) {
	var found *Entry
	for _, e := range r.byConn {
		if !pred(e) || !e.Alive() {
			continue
		}
		if found == nil || e.AdmittedAt.Before(found.AdmittedAt) {
			found = e
		}
	}
	return found, found != nil
}

// Get returns the live entry bound to connID.
func (r *Registry) Get(connID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[connID]
	if !ok || !e.Alive() {
		return nil, false
	}
	return e, true
}

// Console returns the live entry for a console. The most recently admitted
// connection for the id wins; older live ones are a fallback.
func (r *Registry) Console(consoleID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.indexedLocked(r.consoleByID, consoleID); ok {
		return e, true
	}
	return r.scanLocked(func(e *Entry) bool {
		return e.Role == model.RoleConsole && e.ConsoleID == consoleID
	})
}

// Web returns the live web entry of an owner.
func (r *Registry) Web(ownerID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexedLocked(r.webByOwner, ownerID)
}

// Desktop returns the live desktop entry holding a login token.
func (r *Registry) Desktop(loginToken string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.indexedLocked(r.desktopByToken, loginToken); ok {
		return e, true
	}
	return r.scanLocked(func(e *Entry) bool {
		return e.Role == model.RoleDesktop && e.LoginToken == loginToken
	})
}

func (r *Registry) indexedLocked(index map[string]string, key string) (*Entry, bool) {
	connID, ok := index[key]
	if !ok {
		return nil, false
	}
	e, ok := r.byConn[connID]
	if !ok || !e.Alive() {
		return nil, false
	}
	return e, true
}

// ConsolesOf returns the live console entries owned by ownerID.
func (r *Registry) ConsolesOf(ownerID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.byConn {
		if e.Role == model.RoleConsole && e.OwnerID == ownerID && e.Alive() {
			out = append(out, e)
		}
	}
	sortByAdmission(out)
	return out
}

// Entries returns a snapshot of every live entry, oldest first.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.byConn))
	for _, e := range r.byConn {
		if e.Alive() {
			out = append(out, e)
		}
	}
	sortByAdmission(out)
	return out
}

// Count returns the number of entries with the given role, live or not.
func (r *Registry) Count(role model.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.byConn {
		if e.Role == role {
			n++
		}
	}
	return n
}

// Len returns the number of entries, live or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func sortByAdmission(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AdmittedAt.Before(entries[j].AdmittedAt)
	})
}
