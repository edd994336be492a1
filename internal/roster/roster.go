// Package roster is the in-memory view over stored contacts: who we
// know, their last-known transient address, and when we last saw them.
// The stored address may be stale; the directory service resolves that.
package roster

import (
	"sync"

	"peerchat/internal/store"
)

type Roster struct {
	mu       sync.Mutex
	contacts map[string]store.Contact
}

func New() *Roster {
	return &Roster{contacts: make(map[string]store.Contact)}
}

// Hydrate loads the stored contacts, replacing the current view.
func (r *Roster) Hydrate(contacts []store.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = make(map[string]store.Contact, len(contacts))
	for _, c := range contacts {
		r.contacts[c.Username] = c
	}
}

func (r *Roster) Upsert(c store.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.Username] = c
}

func (r *Roster) Get(username string) (store.Contact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[username]
	return c, ok
}

// ByAddress finds the contact whose last-known address matches addr.
func (r *Roster) ByAddress(addr string) (store.Contact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.Address == addr {
			return c, true
		}
	}
	return store.Contact{}, false
}

func (r *Roster) List() []store.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	return out
}
