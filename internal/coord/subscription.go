package coord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("coord: subscription closed")

// maxPending bounds the events buffered for a slow subscriber. Beyond
// it the buffer collapses into a single EventOverflow.
const maxPending = 1024

// rewatchDelay spaces attempts to re-establish a broken watch.
const rewatchDelay = 100 * time.Millisecond

// EventType identifies what happened.
type EventType uint8

const (
	EventCreated EventType = iota + 1
	EventChanged
	EventDeleted
	// EventDisconnected and EventReconnected are delivered to every
	// subscription regardless of prefix.
	EventDisconnected
	EventReconnected
	// EventOverflow replaces events dropped for a slow subscriber or
	// compacted away before they were delivered. The subscriber must
	// re-read the state it watches.
	EventOverflow
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventChanged:
		return "changed"
	case EventDeleted:
		return "deleted"
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventOverflow:
		return "overflow"
	}
	return "unknown"
}

// Event is one change observed by a Subscription.
type Event struct {
	Type    EventType
	Path    string
	Version int64
}

// Subscription is a continuous etcd watch on a subtree. Events are
// buffered in revision order; Ready signals that the buffer is
// non-empty.
type Subscription struct {
	id      uint64
	prefix  string
	server  *Server
	session *Session
	cancel  context.CancelFunc

	mu         sync.Mutex
	pending    []Event
	overflowed bool
	closed     bool
	ready      chan struct{}
	done       chan struct{}
}

func newSubscription(id uint64, prefix string, server *Server) *Subscription {
	return &Subscription{
		id:     id,
		prefix: prefix,
		server: server,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Prefix returns the watched subtree root.
func (s *Subscription) Prefix() string { return s.prefix }

func (s *Subscription) matches(p string) bool {
	if s.prefix == "/" {
		return true
	}
	return p == s.prefix || strings.HasPrefix(p, s.prefix+"/")
}

// start watches the prefix from revision rev (zero: from now) until the
// subscription closes, re-establishing the watch after errors.
func (s *Subscription) start(parent context.Context, rev int64) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	closed := s.closed
	s.mu.Unlock()
	if closed {
		cancel()
		return
	}
	go s.watch(ctx, rev)
}

func (s *Subscription) watch(ctx context.Context, rev int64) {
	key := s.server.key(s.prefix)
	for ctx.Err() == nil {
		rev = s.watchOnce(ctx, key, rev)
		select {
		case <-ctx.Done():
			return
		case <-time.After(rewatchDelay):
		}
	}
}

// watchOnce follows one etcd watch until it breaks and returns the
// revision to resume from.
func (s *Subscription) watchOnce(ctx context.Context, key string, rev int64) int64 {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}
	for resp := range s.server.client.Watch(clientv3.WithRequireLeader(wctx), key, opts...) {
		if resp.CompactRevision != 0 {
			s.push(Event{Type: EventOverflow, Path: s.prefix})
			return resp.CompactRevision
		}
		if err := resp.Err(); err != nil {
			s.server.logger.Debug("watch interrupted", "prefix", s.prefix, "error", err)
			return rev
		}
		for _, ev := range resp.Events {
			rev = ev.Kv.ModRevision + 1
			p := s.server.pathOf(ev.Kv.Key)
			if !s.matches(p) {
				continue
			}
			switch {
			case ev.Type == clientv3.EventTypeDelete:
				s.push(Event{Type: EventDeleted, Path: p})
			case ev.IsCreate():
				s.push(Event{Type: EventCreated, Path: p})
			default:
				s.push(Event{Type: EventChanged, Path: p, Version: ev.Kv.Version - 1})
			}
		}
	}
	return rev
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	connection := ev.Type == EventDisconnected || ev.Type == EventReconnected
	switch {
	case connection:
		s.pending = append(s.pending, ev)
	case s.overflowed:
		// Drop until drained; the subscriber re-reads on overflow.
	case len(s.pending) >= maxPending:
		s.pending = append(s.pending[:0], Event{Type: EventOverflow, Path: s.prefix})
		s.overflowed = true
	default:
		s.pending = append(s.pending, ev)
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever events are
// pending. Call Drain after each receive.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain returns and clears the pending events.
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.pending
	s.pending = nil
	s.overflowed = false
	return events
}

// Next blocks until an event is pending and returns the oldest one.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if len(s.pending) == 0 {
				s.overflowed = false
			}
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
		case <-s.ready:
		}
	}
}

// Close stops delivery. Close is idempotent.
func (s *Subscription) Close() {
	if s.session != nil {
		s.session.forget(s.id)
	}
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	close(s.done)
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.server.unsubscribe(s.id)
}
