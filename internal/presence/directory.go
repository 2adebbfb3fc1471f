// Package presence maps client-chosen identities to the live session that
// currently owns them.
package presence

import "sync"

// Session is the handle stored for an identity. The id is the handle's
// equality key; Enqueue hands a frame to the session's ordered send queue.
type Session interface {
	ID() string
	Enqueue(data []byte) error
}

// Directory is the identity to session table. The zero value is not usable;
// create one with NewDirectory. Every server owns its own instance.
//
// A session may register several identities. Each one resolves to it, which
// is tolerated rather than supported: clients are expected to register once.
type Directory struct {
	mu         sync.RWMutex
	byIdentity map[string]Session
	bySession  map[string]map[string]struct{}
}

func NewDirectory() *Directory {
	return &Directory{
		byIdentity: make(map[string]Session),
		bySession:  make(map[string]map[string]struct{}),
	}
}

// Register binds identity to session, replacing any earlier binding. The
// displaced session, if any, is returned but never notified.
func (d *Directory) Register(session Session, identity string) (displaced Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.byIdentity[identity]; ok {
		if prev.ID() == session.ID() {
			return nil
		}
		d.unlinkLocked(prev.ID(), identity)
		displaced = prev
	}

	d.byIdentity[identity] = session
	owned, ok := d.bySession[session.ID()]
	if !ok {
		owned = make(map[string]struct{})
		d.bySession[session.ID()] = owned
	}
	owned[identity] = struct{}{}
	return displaced
}

// Resolve returns the session currently owning identity.
func (d *Directory) Resolve(identity string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.byIdentity[identity]
	return s, ok
}

// Remove drops every identity still owned by session and returns them.
// Identities taken over by another session are untouched.
func (d *Directory) Remove(session Session) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	owned, ok := d.bySession[session.ID()]
	if !ok {
		return nil
	}
	delete(d.bySession, session.ID())

	removed := make([]string, 0, len(owned))
	for identity := range owned {
		if cur, ok := d.byIdentity[identity]; ok && cur.ID() == session.ID() {
			delete(d.byIdentity, identity)
			removed = append(removed, identity)
		}
	}
	return removed
}

// Release drops identity unless it is owned by the session with id keep.
// Used when another node has taken the identity over.
func (d *Directory) Release(identity, keep string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.byIdentity[identity]
	if !ok || cur.ID() == keep {
		return nil, false
	}
	delete(d.byIdentity, identity)
	d.unlinkLocked(cur.ID(), identity)
	return cur, true
}

// Identities returns a snapshot of the registered identities.
func (d *Directory) Identities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.byIdentity))
	for identity := range d.byIdentity {
		out = append(out, identity)
	}
	return out
}

// Len reports how many identities are registered.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byIdentity)
}

// Clear empties the directory. Called at shutdown.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.byIdentity)
	clear(d.bySession)
}

func (d *Directory) unlinkLocked(sessionID, identity string) {
	owned, ok := d.bySession[sessionID]
	if !ok {
		return
	}
	delete(owned, identity)
	if len(owned) == 0 {
		delete(d.bySession, sessionID)
	}
}
