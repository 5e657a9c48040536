// Package state holds the client's in-memory session and family state.
//
// A Store is created once and injected into the services that own its
// fields: SessionManager writes the session/profile half, the membership
// synchronizer writes the family half. Everything else reads snapshots.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/models"
)

// Snapshot is an immutable copy of the store contents.
type Snapshot struct {
	Auth    models.AuthState
	Session *models.Session
	Profile *models.Profile
	Group   *models.Group
	Role    models.Role
	Roster  []models.RosterEntry
	Route   models.Route
}

// GroupID returns the active family id or "".
func (s Snapshot) GroupID() string {
	if s.Group == nil {
		return ""
	}
	return s.Group.ID
}

// UserID returns the signed-in user id or "".
func (s Snapshot) UserID() string { return s.Session.UserID() }

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	snap     Snapshot
	now      func() time.Time
	watchers map[int]chan Snapshot
	nextID   int
}

// New returns an empty store in the uninitialized state.
func New() *Store {
	return &Store{
		snap:     Snapshot{Auth: models.AuthUninitialized},
		now:      time.Now,
		watchers: make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Snapshot {
	c := s.snap
	if c.Session != nil {
		sess := *c.Session
		if sess.User != nil {
			u := *sess.User
			sess.User = &u
		}
		c.Session = &sess
	}
	if c.Profile != nil {
		p := *c.Profile
		p.Interests = slices.Clone(p.Interests)
		c.Profile = &p
	}
	if c.Group != nil {
		g := *c.Group
		c.Group = &g
	}
	c.Roster = slices.Clone(c.Roster)
	return c
}

// update applies fn under the write lock and notifies watchers.
func (s *Store) update(fn func(snap *Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	c := s.copyLocked()
	// publish never blocks, and holding the lock keeps a stopped watcher's
	// channel from being closed mid-send.
	for _, w := range s.watchers {
		publish(w, c)
	}
}

// publish replaces any undelivered snapshot so watchers only see the latest.
func publish(w chan Snapshot, c Snapshot) {
	for {
		select {
		case w <- c:
			return
		default:
		}
		select {
		case <-w:
		default:
		}
	}
}

// Watch returns a channel receiving the latest snapshot after every change
// and a function that stops the subscription and closes the channel.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// AuthState returns the current lifecycle state.
func (s *Store) AuthState() models.AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Auth
}

// SetAuthState sets the lifecycle state.
func (s *Store) SetAuthState(st models.AuthState) {
	s.update(func(snap *Snapshot) { snap.Auth = st })
}

// CompareAndSetAuthState sets next only if the state is still from.
func (s *Store) CompareAndSetAuthState(from, next models.AuthState) bool {
	swapped := false
	s.update(func(snap *Snapshot) {
		if snap.Auth == from {
			snap.Auth = next
			swapped = true
		}
	})
	return swapped
}

// SetSession stores the live session.
func (s *Store) SetSession(sess *models.Session) {
	s.update(func(snap *Snapshot) { snap.Session = sess })
}

// Session returns a copy of the live session or nil.
func (s *Store) Session() *models.Session {
	return s.Snapshot().Session
}

// HasLiveSession reports whether a valid session with a user is held.
func (s *Store) HasLiveSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Session.Valid(s.now())
}

// SetProfile stores the profile.
func (s *Store) SetProfile(p *models.Profile) {
	s.update(func(snap *Snapshot) { snap.Profile = p })
}

// SetMembership replaces the whole family half of the state.
func (s *Store) SetMembership(g *models.Group, role models.Role, roster []models.RosterEntry) {
	s.update(func(snap *Snapshot) {
		snap.Group = g
		snap.Role = role
		snap.Roster = roster
	})
}

// SetGroupCode updates the cached join code of the active family.
func (s *Store) SetGroupCode(groupID, code string) {
	s.update(func(snap *Snapshot) {
		if snap.Group != nil && snap.Group.ID == groupID {
			g := *snap.Group
			g.Code = code
			snap.Group = &g
		}
	})
}

// ClearMembership drops the family half of the state.
func (s *Store) ClearMembership() {
	s.SetMembership(nil, "", nil)
}

// ClearSession drops the session together with everything derived from it.
func (s *Store) ClearSession() {
	s.update(func(snap *Snapshot) {
		snap.Session = nil
		snap.Profile = nil
		snap.Group = nil
		snap.Role = ""
		snap.Roster = nil
	})
}

// SetRoute records the screen the user is on.
func (s *Store) SetRoute(r models.Route) {
	s.update(func(snap *Snapshot) { snap.Route = r })
}

// Route returns the current screen.
func (s *Store) Route() models.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Route
}
