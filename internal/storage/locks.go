package storage

import "sync"

// lockTable hands out one RW lock per user and one mutex per (user,
// collection). Collection operations hold the user lock shared; whole-user
// operations hold it exclusively.
type lockTable struct {
	mu    sync.Mutex
	users map[string]*userLocks
}

type userLocks struct {
	rw    sync.RWMutex
	mu    sync.Mutex
	colls map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{users: map[string]*userLocks{}}
}

func (t *lockTable) user(user string) *userLocks {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[user]
	if !ok {
		u = &userLocks{colls: map[string]*sync.Mutex{}}
		t.users[user] = u
	}
	return u
}

func (u *userLocks) collection(name string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.colls[name]
	if !ok {
		m = &sync.Mutex{}
		u.colls[name] = m
	}
	return m
}

func (t *lockTable) lockCollection(user, coll string) func() {
	u := t.user(user)
	u.rw.RLock()
	m := u.collection(coll)
	m.Lock()
	return func() {
		m.Unlock()
		u.rw.RUnlock()
	}
}

// shareUser excludes whole-user operations but not collection writes.
func (t *lockTable) shareUser(user string) func() {
	u := t.user(user)
	u.rw.RLock()
	return u.rw.RUnlock
}

func (t *lockTable) lockUser(user string) func() {
	u := t.user(user)
	u.rw.Lock()
	return u.rw.Unlock
}
