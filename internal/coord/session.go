package coord

import (
	"errors"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Session is one client's lease on the service. Ephemeral nodes and
// subscriptions opened through a session end with it.
type Session struct {
	name   string
	server *Server
	cs     *concurrency.Session

	mu     sync.Mutex
	closed bool
	subs   map[uint64]*Subscription
}

// ID returns the session's lease, recorded as Stat.Owner on its
// ephemeral nodes.
func (s *Session) ID() int64 { return int64(s.cs.Lease()) }

// Name returns the name the session was opened with.
func (s *Session) Name() string { return s.name }

func (s *Session) lease() clientv3.LeaseID { return s.cs.Lease() }

func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Create adds a node at p, creating missing ancestors. Ancestors are
// persistent unless they hang below an ephemeral node, in which case
// they share its lease.
func (s *Session) Create(p string, data []byte, mode Mode) error {
	if err := s.alive(); err != nil {
		return err
	}
	return s.server.create(s.lease(), p, data, mode)
}

// EnsurePath creates p as a persistent node if it is missing.
func (s *Session) EnsurePath(p string) error {
	err := s.Create(p, nil, Persistent)
	if errors.Is(err, ErrNodeExists) {
		return nil
	}
	return err
}

// Get returns the payload stored at p.
func (s *Session) Get(p string) ([]byte, error) {
	data, _, err := s.GetStat(p)
	return data, err
}

// GetStat returns the payload and version information stored at p.
func (s *Session) GetStat(p string) ([]byte, Stat, error) {
	if err := s.alive(); err != nil {
		return nil, Stat{}, err
	}
	return s.server.get(p)
}

// Set replaces the payload at p unconditionally.
func (s *Session) Set(p string, data []byte) error {
	if err := s.alive(); err != nil {
		return err
	}
	_, err := s.server.set(p, data, -1)
	return err
}

// SetIf replaces the payload at p only if its version still equals
// version, returning ErrBadVersion otherwise.
func (s *Session) SetIf(p string, data []byte, version int64) (Stat, error) {
	if err := s.alive(); err != nil {
		return Stat{}, err
	}
	return s.server.set(p, data, version)
}

// Delete removes p and everything below it.
func (s *Session) Delete(p string) error {
	if err := s.alive(); err != nil {
		return err
	}
	return s.server.delete(p)
}

// Children returns the sorted names of p's direct children.
func (s *Session) Children(p string) ([]string, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	return s.server.children(p)
}

// Exists reports whether p exists.
func (s *Session) Exists(p string) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}
	return s.server.exists(p)
}

// Subscribe opens a subscription to every change at or below prefix,
// starting from the moment Subscribe returns. Subscribing works while
// the service is unavailable, so a caller can wait for
// EventReconnected.
func (s *Session) Subscribe(prefix string) (*Subscription, error) {
	if err := validatePath(prefix); err != nil {
		return nil, err
	}
	if err := s.alive(); err != nil {
		return nil, err
	}
	return s.server.subscribe(s, prefix)
}

func (s *Session) track(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.subs[sub.id] = sub
	return nil
}

func (s *Session) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Close ends the session: its lease is revoked, which deletes its
// ephemeral nodes, and its subscriptions are closed. Close is
// idempotent.
func (s *Session) Close() error {
	if !s.shut() {
		return nil
	}
	s.server.logger.Debug("session closed", "session", s.ID(), "name", s.name)
	if err := s.cs.Close(); err != nil {
		return s.server.fail("close", s.name, err)
	}
	return nil
}

// shut marks the session closed and ends its subscriptions. It reports
// false if the session was already closed.
func (s *Session) shut() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.server.sessions.Delete(s.ID())
	return true
}

// watchLease closes the session when its lease can no longer be kept
// alive, as if the service had expired it.
func (s *Session) watchLease() {
	<-s.cs.Done()
	if s.shut() {
		s.server.logger.Warn("session expired", "session", s.ID(), "name", s.name)
	}
}

// Closed reports whether the session was closed or expired.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
