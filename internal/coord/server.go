package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

var (
	// ErrNoNode is returned when the addressed path does not exist.
	ErrNoNode = errors.New("coord: no node")
	// ErrNodeExists is returned by Create when the path is taken.
	ErrNodeExists = errors.New("coord: node exists")
	// ErrBadVersion is returned by SetIf when the node changed since it was read.
	ErrBadVersion = errors.New("coord: version mismatch")
	// ErrUnavailable is returned while the service is unreachable.
	ErrUnavailable = errors.New("coord: service unavailable")
	// ErrSessionClosed is returned for calls on a closed session.
	ErrSessionClosed = errors.New("coord: session closed")
	// ErrInvalidPath is returned for paths that are not absolute and clean.
	ErrInvalidPath = errors.New("coord: invalid path")
	// ErrEphemeralParent is returned when a persistent node would be
	// created below an ephemeral one.
	ErrEphemeralParent = errors.New("coord: persistent node under ephemeral parent")
)

// maxTxnAttempts bounds the optimistic retries of Create when the
// ancestors it read change before its transaction commits.
const maxTxnAttempts = 16

// Mode is the lifetime of a node.
type Mode uint8

const (
	// Persistent nodes survive their creator.
	Persistent Mode = iota
	// Ephemeral nodes are attached to the owning session's lease and
	// removed when it is revoked or expires.
	Ephemeral
)

func (m Mode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// Stat describes a node without its payload.
type Stat struct {
	// Version is zero on creation and grows by one with every update.
	Version int64
	Mode    Mode
	Owner   int64 // lease of the owning session for ephemeral nodes, zero otherwise
}

// statOf maps etcd's key version, which starts at 1, onto Stat.
func statOf(version, lease int64) Stat {
	st := Stat{Version: version - 1, Owner: lease}
	if lease != 0 {
		st.Mode = Ephemeral
	}
	return st
}

// Config configures a Server.
type Config struct {
	// Endpoints are the etcd client URLs. Required unless Client is set.
	Endpoints []string

	// Client reuses an open etcd client. Close leaves it open.
	Client *clientv3.Client

	// Namespace prefixes every key, so several clusters (or tests) can
	// share one etcd. Default: "/shardctl"
	Namespace string

	// SessionTTL is the lease TTL granted to each session. A session
	// whose process dies is gone after at most this long. Rounded down to
	// whole seconds. Default: 10s
	SessionTTL time.Duration

	// DialTimeout bounds the initial connection. Default: 5s
	DialTimeout time.Duration

	// RequestTimeout bounds every tree operation. Default: 5s
	RequestTimeout time.Duration

	// Logger receives session and availability transitions.
	Logger *slog.Logger
}

// Server is a handle on the coordination service: a tree of named nodes
// kept in etcd under one namespace, with persistent and session-scoped
// ephemeral lifetimes, versioned updates, and prefix subscriptions.
//
// Every process of the cluster opens its own Server against the same
// etcd; sessions, ephemeral nodes and elections are shared through it.
type Server struct {
	client  *clientv3.Client
	owned   bool
	ns      string
	ttl     int
	timeout time.Duration
	logger  *slog.Logger

	// Availability is the conjunction of the simulated gate and the
	// observed state of the client connection.
	gate      atomic.Bool
	reachable atomic.Bool
	availMu   sync.Mutex
	available bool
	availCh   chan struct{}

	sessions *xsync.MapOf[int64, *Session]
	subs     *xsync.MapOf[uint64, *Subscription]
	nextSub  atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewServer connects to etcd and starts following the connection state.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "/shardctl"
	}
	if !strings.HasPrefix(cfg.Namespace, "/") || strings.HasSuffix(cfg.Namespace, "/") {
		return nil, fmt.Errorf("coord: namespace %q must start and must not end with /", cfg.Namespace)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Second
	}
	if cfg.SessionTTL < time.Second {
		return nil, fmt.Errorf("coord: session TTL %s is below one second", cfg.SessionTTL)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	client, owned := cfg.Client, false
	if client == nil {
		if len(cfg.Endpoints) == 0 {
			return nil, errors.New("coord: etcd endpoints are required")
		}
		c, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Logger:      zap.NewNop(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: connecting to %v: %v", ErrUnavailable, cfg.Endpoints, err)
		}
		client, owned = c, true
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		client:    client,
		owned:     owned,
		ns:        cfg.Namespace,
		ttl:       int(cfg.SessionTTL / time.Second),
		timeout:   cfg.RequestTimeout,
		logger:    cfg.Logger,
		available: true,
		availCh:   make(chan struct{}),
		sessions:  xsync.NewMapOf[int64, *Session](),
		subs:      xsync.NewMapOf[uint64, *Subscription](),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.gate.Store(true)
	s.reachable.Store(true)

	if conn := client.ActiveConnection(); conn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.follow(conn.GetState, conn.WaitForStateChange)
		}()
	}
	return s, nil
}

// follow tracks the connection state until the server closes. Only a
// failing transport counts as unreachable; idle connections reconnect on
// demand.
func (s *Server) follow(state func() connectivity.State, wait func(context.Context, connectivity.State) bool) {
	current := state()
	for wait(s.ctx, current) {
		current = state()
		switch current {
		case connectivity.Ready:
			s.setReachable(true)
		case connectivity.TransientFailure:
			s.setReachable(false)
		}
	}
}

func (s *Server) setReachable(ok bool) {
	s.reachable.Store(ok)
	s.transition()
}

// SetAvailable simulates losing or regaining the connection to the
// service. While unavailable every session call fails with
// ErrUnavailable; leases keep being renewed, so sessions and their
// ephemeral nodes are kept. Subscribers receive EventDisconnected /
// EventReconnected.
func (s *Server) SetAvailable(available bool) {
	s.gate.Store(available)
	s.transition()
}

// transition publishes a change of Available to subscribers and
// waiters.
func (s *Server) transition() {
	s.availMu.Lock()
	defer s.availMu.Unlock()

	now := s.gate.Load() && s.reachable.Load()
	if now == s.available {
		return
	}
	s.available = now
	close(s.availCh)
	s.availCh = make(chan struct{})

	ev := Event{Type: EventReconnected}
	if !now {
		ev.Type = EventDisconnected
	}
	s.logger.Info("coordination availability changed", "available", now)
	s.subs.Range(func(_ uint64, sub *Subscription) bool {
		sub.push(ev)
		return true
	})
}

// Available reports whether session calls currently succeed.
func (s *Server) Available() bool {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	return s.available
}

// waitAvailable blocks until Available or ctx is done.
func (s *Server) waitAvailable(ctx context.Context) error {
	for {
		s.availMu.Lock()
		ok, changed := s.available, s.availCh
		s.availMu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrUnavailable
		case <-changed:
		}
	}
}

// Sessions returns the number of sessions opened through this handle
// that are still open.
func (s *Server) Sessions() int {
	return s.sessions.Size()
}

// Connect opens a new session backed by a fresh lease. Ephemeral nodes
// created through the session live until it is closed or its lease
// expires.
func (s *Server) Connect(name string) (*Session, error) {
	ctx, cancel := s.opContext()
	lease, err := s.client.Grant(ctx, int64(s.ttl))
	cancel()
	if err != nil {
		return nil, s.fail("connect", name, err)
	}
	cs, err := concurrency.NewSession(s.client,
		concurrency.WithLease(lease.ID),
		concurrency.WithContext(s.ctx),
	)
	if err != nil {
		return nil, s.fail("connect", name, err)
	}

	sess := &Session{
		name:   name,
		server: s,
		cs:     cs,
		subs:   make(map[uint64]*Subscription),
	}
	s.sessions.Store(sess.ID(), sess)
	if s.closing.Load() {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: connect %s: server closed", ErrUnavailable, name)
	}
	go sess.watchLease()
	s.logger.Debug("session opened", "session", sess.ID(), "name", name)
	return sess, nil
}

// Close ends every session opened through this handle and releases the
// client if NewServer dialled it. Close is idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.sessions.Range(func(_ int64, sess *Session) bool {
			_ = sess.Close()
			return true
		})
		s.cancel()
		s.wg.Wait()
		if s.owned {
			s.closeErr = s.client.Close()
		}
	})
	return s.closeErr
}

func (s *Server) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.timeout)
}

// fail classifies an etcd error. Transport failures, lost quorum and
// timeouts become ErrUnavailable.
func (s *Server) fail(op, p string, err error) error {
	unavailable := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		unavailable = true
	}
	if unavailable {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, p, err)
	}
	return fmt.Errorf("coord: %s %s: %w", op, p, err)
}

func validatePath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || path.Clean(p) != p {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

func (s *Server) check(p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	if !s.Available() {
		return ErrUnavailable
	}
	return nil
}

// key maps a tree path onto its etcd key.
func (s *Server) key(p string) string {
	if p == "/" {
		return s.ns + "/"
	}
	return s.ns + p
}

// below is the etcd prefix of everything strictly under p.
func (s *Server) below(p string) string {
	if p == "/" {
		return s.ns + "/"
	}
	return s.ns + p + "/"
}

func (s *Server) pathOf(key []byte) string {
	return strings.TrimPrefix(string(key), s.ns)
}

// ancestors lists the proper ancestors of p, nearest first, without the
// root.
func ancestors(p string) []string {
	var out []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		out = append(out, dir)
	}
	return out
}

func leased(id clientv3.LeaseID) []clientv3.OpOption {
	if id == clientv3.NoLease {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(id)}
}

func (s *Server) create(lease clientv3.LeaseID, p string, data []byte, mode Mode) error {
	if err := s.check(p); err != nil {
		return err
	}
	if p == "/" {
		return ErrNodeExists
	}
	parents := ancestors(p)
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		done, err := s.tryCreate(lease, p, parents, data, mode)
		if err != nil || done {
			return err
		}
	}
	return fmt.Errorf("coord: create %s: ancestors kept changing", p)
}

// tryCreate reads p and its ancestors, then creates p and the missing
// ancestors in one transaction guarded by what it read. It reports false
// when the guard failed and the caller should read again.
func (s *Server) tryCreate(lease clientv3.LeaseID, p string, parents []string, data []byte, mode Mode) (bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	reads := make([]clientv3.Op, 0, len(parents)+1)
	reads = append(reads, clientv3.OpGet(s.key(p), clientv3.WithCountOnly()))
	for _, a := range parents {
		reads = append(reads, clientv3.OpGet(s.key(a), clientv3.WithKeysOnly()))
	}
	resp, err := s.client.Txn(ctx).Then(reads...).Commit()
	if err != nil {
		return false, s.fail("create", p, err)
	}
	if resp.Responses[0].GetResponseRange().Count > 0 {
		return false, ErrNodeExists
	}

	var cmps []clientv3.Cmp
	parentLease := clientv3.NoLease
	missing := parents
	for i, a := range parents {
		kvs := resp.Responses[i+1].GetResponseRange().Kvs
		if len(kvs) == 0 {
			continue
		}
		parentLease = clientv3.LeaseID(kvs[0].Lease)
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(a)), "=", kvs[0].CreateRevision))
		missing = parents[:i]
		break
	}
	if mode == Persistent && parentLease != clientv3.NoLease {
		return false, fmt.Errorf("%w: %s", ErrEphemeralParent, p)
	}

	own := parentLease
	if mode == Ephemeral {
		own = lease
	}
	cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(p)), "=", 0))
	puts := []clientv3.Op{clientv3.OpPut(s.key(p), string(data), leased(own)...)}
	for _, a := range missing {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(a)), "=", 0))
		puts = append(puts, clientv3.OpPut(s.key(a), "", leased(parentLease)...))
	}
	tresp, err := s.client.Txn(ctx).If(cmps...).Then(puts...).Commit()
	if err != nil {
		return false, s.fail("create", p, err)
	}
	return tresp.Succeeded, nil
}

func (s *Server) get(p string) ([]byte, Stat, error) {
	if err := s.check(p); err != nil {
		return nil, Stat{}, err
	}
	if p == "/" {
		return nil, Stat{}, ErrNoNode
	}
	ctx, cancel := s.opContext()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(p))
	if err != nil {
		return nil, Stat{}, s.fail("get", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, Stat{}, ErrNoNode
	}
	kv := resp.Kvs[0]
	return kv.Value, statOf(kv.Version, kv.Lease), nil
}

// set replaces the payload at p, keeping its lease. A negative version
// writes unconditionally.
func (s *Server) set(p string, data []byte, version int64) (Stat, error) {
	if err := s.check(p); err != nil {
		return Stat{}, err
	}
	k := s.key(p)
	cond := clientv3.Compare(clientv3.CreateRevision(k), ">", 0)
	if version >= 0 {
		cond = clientv3.Compare(clientv3.Version(k), "=", version+1)
	}

	ctx, cancel := s.opContext()
	defer cancel()
	resp, err := s.client.Txn(ctx).
		If(cond).
		Then(clientv3.OpPut(k, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(k)).
		Else(clientv3.OpGet(k, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return Stat{}, s.fail("set", p, err)
	}
	if !resp.Succeeded {
		if version >= 0 && resp.Responses[0].GetResponseRange().Count > 0 {
			return Stat{}, ErrBadVersion
		}
		return Stat{}, ErrNoNode
	}
	kv := resp.Responses[1].GetResponseRange().Kvs[0]
	return statOf(kv.Version, kv.Lease), nil
}

// delete removes p and its subtree in one transaction.
func (s *Server) delete(p string) error {
	if err := s.check(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	}
	ctx, cancel := s.opContext()
	defer cancel()
	resp, err := s.client.Txn(ctx).Then(
		clientv3.OpDelete(s.key(p)),
		clientv3.OpDelete(s.below(p), clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return s.fail("delete", p, err)
	}
	deleted := resp.Responses[0].GetResponseDeleteRange().Deleted + resp.Responses[1].GetResponseDeleteRange().Deleted
	if deleted == 0 {
		return ErrNoNode
	}
	s.logger.Debug("node deleted", "path", p, "keys", deleted)
	return nil
}

func (s *Server) children(p string) ([]string, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext()
	defer cancel()
	prefix := s.below(p)
	resp, err := s.client.Txn(ctx).Then(
		clientv3.OpGet(s.key(p), clientv3.WithCountOnly()),
		clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, s.fail("children", p, err)
	}
	self := resp.Responses[0].GetResponseRange().Count
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if p != "/" && self == 0 && len(kvs) == 0 {
		return nil, ErrNoNode
	}

	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		name, _, _ := strings.Cut(strings.TrimPrefix(string(kv.Key), prefix), "/")
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (s *Server) exists(p string) (bool, error) {
	if err := s.check(p); err != nil {
		return false, err
	}
	if p == "/" {
		return true, nil
	}
	ctx, cancel := s.opContext()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(p), clientv3.WithCountOnly())
	if err != nil {
		return false, s.fail("exists", p, err)
	}
	return resp.Count > 0, nil
}

// revision returns the store revision, from which a subscription starts
// watching so nothing committed after Subscribe returns is missed.
func (s *Server) revision() (int64, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key("/"), clientv3.WithCountOnly())
	if err != nil {
		return 0, s.fail("revision", "/", err)
	}
	return resp.Header.Revision, nil
}

func (s *Server) subscribe(sess *Session, prefix string) (*Subscription, error) {
	start := int64(0)
	if rev, err := s.revision(); err == nil {
		start = rev + 1
	} else {
		s.logger.Debug("subscribing without a start revision", "prefix", prefix, "error", err)
	}

	sub := newSubscription(s.nextSub.Add(1), prefix, s)
	sub.session = sess
	if err := sess.track(sub); err != nil {
		return nil, err
	}
	s.subs.Store(sub.id, sub)
	sub.start(s.ctx, start)
	return sub, nil
}

func (s *Server) unsubscribe(id uint64) {
	s.subs.Delete(id)
}
