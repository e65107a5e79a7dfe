package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
)

// ErrFutureClosed is returned by Wait after Close.
var ErrFutureClosed = errors.New("future closed")

// checkFunc inspects the current metadata (exists is false once the
// index is gone) and reports whether the future is resolved.
type checkFunc func(idx cluster.Index, exists bool) (bool, error)

func deployed(idx cluster.Index, exists bool) (bool, error) {
	if !exists {
		return true, fmt.Errorf("%w: %s", cluster.ErrIndexNotFound, idx.Name)
	}
	switch idx.State {
	case cluster.IndexDeployed:
		return true, nil
	case cluster.IndexError:
		return true, &DeployFailedError{Index: idx.Name, Reason: idx.Error}
	case cluster.IndexUndeploying:
		return true, fmt.Errorf("%w: %s is being undeployed", ErrWrongState, idx.Name)
	}
	return false, nil
}

func removed(_ cluster.Index, exists bool) (bool, error) {
	return !exists, nil
}

// Future tracks an index until it reaches the state a request waits for.
type Future struct {
	session *coord.Session
	sub     *coord.Subscription
	name    string
	check   checkFunc

	done   chan struct{}
	closed chan struct{}
	once   sync.Once

	idx cluster.Index
	err error
}

func newFuture(session *coord.Session, sub *coord.Subscription, name string, check checkFunc) *Future {
	return &Future{
		session: session,
		sub:     sub,
		name:    name,
		check:   check,
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *Future) start() {
	go f.run()
}

func (f *Future) run() {
	defer close(f.done)
	defer f.sub.Close()
	for {
		if f.evaluate() {
			return
		}
		select {
		case <-f.closed:
			f.err = ErrFutureClosed
			return
		case <-f.sub.Done():
			f.err = ErrFutureClosed
			return
		case <-f.sub.Ready():
			f.sub.Drain()
		}
	}
}

func (f *Future) evaluate() bool {
	idx, _, err := cluster.ReadIndex(f.session, f.name)
	exists := true
	switch {
	case err == nil:
	case errors.Is(err, cluster.ErrIndexNotFound):
		exists = false
		idx = cluster.Index{Name: f.name}
	case errors.Is(err, coord.ErrUnavailable):
		return false
	default:
		f.err = err
		return true
	}
	ok, err := f.check(idx, exists)
	if ok {
		f.idx, f.err = idx, err
	}
	return ok
}

// Index returns the name of the watched index.
func (f *Future) Index() string { return f.name }

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (cluster.Index, error) {
	select {
	case <-f.done:
		return f.idx, f.err
	case <-ctx.Done():
		return cluster.Index{}, ctx.Err()
	}
}

// Close stops watching. Safe to call more than once.
func (f *Future) Close() {
	f.once.Do(func() { close(f.closed) })
	select {
	case <-f.done:
	default:
		f.sub.Close()
	}
}
