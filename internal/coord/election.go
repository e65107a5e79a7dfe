package coord

import (
	"context"
	"errors"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Election campaigns for leadership under a path shared by every
// candidate. Each campaign holds one ephemeral candidate node below the
// path, keyed by its lease; the oldest candidate leads. The payload is
// the session name, so any participant can read who leads.
type Election struct {
	session  *Session
	path     string
	election *concurrency.Election
}

// NewElection prepares an election on p for session.
func NewElection(session *Session, p string) *Election {
	return &Election{
		session:  session,
		path:     p,
		election: concurrency.NewElection(session.cs, session.server.key(p)),
	}
}

// Path returns the path the candidates are created under.
func (e *Election) Path() string { return e.path }

// Campaign blocks until the session leads or ctx is done. It keeps
// waiting through ErrUnavailable.
func (e *Election) Campaign(ctx context.Context) error {
	if err := validatePath(e.path); err != nil {
		return err
	}
	for {
		if err := e.session.alive(); err != nil {
			return err
		}
		if err := e.session.server.waitAvailable(ctx); err != nil {
			return err
		}
		err := e.election.Campaign(ctx, e.session.Name())
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case e.session.Closed(), errors.Is(err, concurrency.ErrSessionExpired):
			return ErrSessionClosed
		}
		if err = e.session.server.fail("campaign", e.path, err); !errors.Is(err, ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rewatchDelay):
		}
	}
}

// Leader returns the name of the current leader, or ErrNoNode when
// nobody holds the election.
func (e *Election) Leader() (string, error) {
	if err := e.session.alive(); err != nil {
		return "", err
	}
	if err := e.session.server.check(e.path); err != nil {
		return "", err
	}
	ctx, cancel := e.session.server.opContext()
	defer cancel()
	resp, err := e.election.Leader(ctx)
	switch {
	case errors.Is(err, concurrency.ErrElectionNoLeader):
		return "", ErrNoNode
	case err != nil:
		return "", e.session.server.fail("leader", e.path, err)
	}
	return string(resp.Kvs[0].Value), nil
}

// IsLeader reports whether this session's candidate node still exists
// and is the oldest one.
func (e *Election) IsLeader() bool {
	key := e.election.Key()
	if key == "" || e.session.Closed() || e.session.server.check(e.path) != nil {
		return false
	}
	ctx, cancel := e.session.server.opContext()
	defer cancel()
	resp, err := e.session.server.client.Get(ctx, e.session.server.below(e.path), clientv3.WithFirstCreate()...)
	if err != nil || len(resp.Kvs) == 0 {
		return false
	}
	first := resp.Kvs[0]
	return string(first.Key) == key && first.Lease == e.session.ID()
}

// Resign releases leadership if this session holds it.
func (e *Election) Resign() error {
	if err := e.session.alive(); err != nil {
		return err
	}
	if !e.IsLeader() {
		return nil
	}
	ctx, cancel := e.session.server.opContext()
	defer cancel()
	if err := e.election.Resign(ctx); err != nil {
		return e.session.server.fail("resign", e.path, err)
	}
	return nil
}
