// ============================================================================
// tilebreeder etcd Fabric - cluster state on etcd v3
// ============================================================================
//
// Package: internal/fabric/etcd
// File: etcd.go
// Purpose: Implements fabric.Fabric on an etcd cluster.
//
// Mapping:
//   Create      Txn(If CreateRevision(key) == 0).Then(Put)
//   Increment   Get + Txn(If ModRevision(key) == rev).Then(Put(n+1)), retried
//               with exponential backoff while other nodes win the race
//   Watch       Get(prefix) replayed, then Watch(prefix, WithRev(rev+1));
//               a compacted watch is restarted from a fresh Get
//   Membership  member key bound to a lease kept alive by KeepAlive; the key
//               vanishes when the node dies and its lease expires. A live
//               node that loses its lease registers again with backoff
//   Broadcast   put under the topic prefix with a message TTL lease, so a node
//               subscribing later still sees recent messages
//
// ============================================================================

package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultLeaseTTL       = 10 // seconds
	defaultMessageTTL     = 300
	defaultRejoinInterval = 100 * time.Millisecond
	watchBufferSize       = 16
)

var errConflict = errors.New("counter updated concurrently")

// Config configures the etcd fabric.
type Config struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// LeaseTTL is the membership lease in seconds.
	LeaseTTL int64
	// MessageTTL is how long broadcasts are retained, in seconds.
	MessageTTL int64
	Keys       fabric.Keys
	// RejoinInterval is the first delay between attempts to register again
	// after the membership lease was lost.
	RejoinInterval time.Duration
	// OnRejoin, if set, is called each time the node registers again.
	OnRejoin func()
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = defaultMessageTTL
	}
	if c.RejoinInterval <= 0 {
		c.RejoinInterval = defaultRejoinInterval
	}
	if c.Keys == (fabric.Keys{}) {
		c.Keys = fabric.NewKeys("")
	}
}

// Fabric is a fabric.Fabric backed by etcd.
type Fabric struct {
	cli   *clientv3.Client
	cfg   Config
	owned bool
	log   *slog.Logger

	// ctx outlives individual calls; KeepAlive and watches hang off it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lease  clientv3.LeaseID
	member *fabric.Member
	stopKA context.CancelFunc
	closed bool
}

var _ fabric.Fabric = (*Fabric)(nil)

// New dials the etcd cluster.
func New(cfg Config) (*Fabric, error) {
	cfg.applyDefaults()

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		LogConfig:   &logConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial etcd %v: %w", fabric.ErrUnavailable, cfg.Endpoints, err)
	}
	f := NewFromClient(cli, cfg)
	f.owned = true
	return f, nil
}

// NewFromClient wraps an existing client. Close does not close cli.
func NewFromClient(cli *clientv3.Client, cfg Config) *Fabric {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Fabric{
		cli:    cli,
		cfg:    cfg,
		log:    slog.With("component", "fabric", "backend", "etcd"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (f *Fabric) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fabric.ErrClosed
	}
	return nil
}

// wrap maps client errors onto the fabric taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", fabric.ErrUnavailable, op, err)
}

func (f *Fabric) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.cfg.RequestTimeout)
}

// ============================================================================
// Key/Value
// ============================================================================

func (f *Fabric) Put(ctx context.Context, key string, value []byte) error {
	if err := f.check(); err != nil {
		return err
	}
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	_, err := f.cli.Put(ctx, key, string(value))
	return wrap("put", err)
}

func (f *Fabric) Create(ctx context.Context, key string, value []byte) error {
	if err := f.check(); err != nil {
		return err
	}
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	resp, err := f.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return wrap("create", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", fabric.ErrKeyExists, key)
	}
	return nil
}

func (f *Fabric) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.check(); err != nil {
		return nil, false, err
	}
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	resp, err := f.cli.Get(ctx, key)
	if err != nil {
		return nil, false, wrap("get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (f *Fabric) Delete(ctx context.Context, key string) error {
	if err := f.check(); err != nil {
		return err
	}
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	_, err := f.cli.Delete(ctx, key)
	return wrap("delete", err)
}

func (f *Fabric) Increment(ctx context.Context, key string) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	var next int64
	op := func() error {
		opCtx, cancel := f.opCtx(ctx)
		defer cancel()

		resp, err := f.cli.Get(opCtx, key)
		if err != nil {
			return backoff.Permanent(wrap("increment", err))
		}
		cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		next = 1
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			cur, err := strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("counter %s holds %q: %w", key, kv.Value, err))
			}
			next = cur + 1
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
		}

		txn, err := f.cli.Txn(opCtx).If(cmp).Then(clientv3.OpPut(key, strconv.FormatInt(next, 10))).Commit()
		if err != nil {
			return backoff.Permanent(wrap("increment", err))
		}
		if !txn.Succeeded {
			return errConflict
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errConflict) {
			return 0, fmt.Errorf("%w: increment %s: %w", fabric.ErrUnavailable, key, err)
		}
		return 0, err
	}
	return next, nil
}

// watchContext ends when either the caller's ctx or the fabric is done.
func (f *Fabric) watchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.ctx, cancel)
	return wctx, func() {
		stop()
		cancel()
	}
}

func (f *Fabric) list(ctx context.Context, prefix string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	getCtx, cancel := f.opCtx(ctx)
	defer cancel()
	return f.cli.Get(getCtx, prefix, append([]clientv3.OpOption{clientv3.WithPrefix()}, opts...)...)
}

// convertFunc turns a key change into a delivery; ok=false skips it. prev is
// nil for replayed keys.
type convertFunc[T any] func(t mvccpb.Event_EventType, kv, prev *mvccpb.KeyValue) (v T, ok bool)

// stream replays the keys under prefix and then streams changes to them. The
// initial read runs before stream returns so an unreachable cluster is
// reported to the caller. A compacted or failed watch is restarted from a
// fresh read, which may deliver keys again.
func stream[T any](f *Fabric, ctx context.Context, prefix string, convert convertFunc[T], opts ...clientv3.OpOption) (<-chan T, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	wctx, cancel := f.watchContext(ctx)
	resp, err := f.list(wctx, prefix, opts...)
	if err != nil {
		cancel()
		return nil, wrap("watch", err)
	}
	return follow(f, wctx, cancel, prefix, convert, resp, opts...), nil
}

// follow replays resp and then watches prefix from the revision after it.
// cancel ends wctx and is called when the stream closes.
func follow[T any](f *Fabric, wctx context.Context, cancel context.CancelFunc, prefix string, convert convertFunc[T], resp *clientv3.GetResponse, opts ...clientv3.OpOption) <-chan T {
	out := make(chan T, watchBufferSize)
	send := func(t mvccpb.Event_EventType, kv, prev *mvccpb.KeyValue) bool {
		v, ok := convert(t, kv, prev)
		if !ok {
			return true
		}
		select {
		case out <- v:
			return true
		case <-wctx.Done():
			return false
		}
	}
	replay := func(resp *clientv3.GetResponse) bool {
		for _, kv := range resp.Kvs {
			if !send(mvccpb.PUT, kv, nil) {
				return false
			}
		}
		return true
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(out)
		defer cancel()

		if !replay(resp) {
			return
		}
		rev := resp.Header.Revision
		for {
			wch := f.cli.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1), clientv3.WithPrevKV())
			for wresp := range wch {
				if wresp.CompactRevision != 0 || wresp.Err() != nil {
					f.log.Warn("watch interrupted, replaying", "prefix", prefix,
						"compactRevision", wresp.CompactRevision, "error", wresp.Err())
					break
				}
				for _, ev := range wresp.Events {
					if !send(ev.Type, ev.Kv, ev.PrevKv) {
						return
					}
				}
				rev = wresp.Header.Revision
			}
			if wctx.Err() != nil {
				return
			}

			resp, err := f.list(wctx, prefix, opts...)
			if err != nil {
				f.log.Warn("watch replay failed", "prefix", prefix, "error", err)
				select {
				case <-wctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if !replay(resp) {
				return
			}
			rev = resp.Header.Revision
		}
	}()
	return out
}

func (f *Fabric) Watch(ctx context.Context, prefix string) (<-chan fabric.Event, error) {
	return stream(f, ctx, prefix, func(t mvccpb.Event_EventType, kv, _ *mvccpb.KeyValue) (fabric.Event, bool) {
		if t == mvccpb.DELETE {
			return fabric.Event{Type: fabric.EventDelete, Key: string(kv.Key)}, true
		}
		return fabric.Event{Type: fabric.EventPut, Key: string(kv.Key), Value: kv.Value}, true
	})
}

// ============================================================================
// Membership
// ============================================================================

func (f *Fabric) Join(ctx context.Context, m fabric.Member) error {
	if err := f.check(); err != nil {
		return err
	}
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}

	// The session lives until Leave, Close or the next Join; leases come and go
	// inside it.
	kaCtx, stopKA := context.WithCancel(f.ctx)
	lease, ka, err := f.register(ctx, kaCtx, m, value)
	if err != nil {
		stopKA()
		return err
	}

	f.mu.Lock()
	if f.stopKA != nil {
		f.stopKA()
	}
	f.lease, f.member, f.stopKA = lease, &m, stopKA
	f.mu.Unlock()

	f.wg.Add(1)
	go f.keepMember(kaCtx, m, value, ka)
	return nil
}

// register grants a lease, puts the member key under it and keeps it alive
// until kaCtx ends.
func (f *Fabric) register(ctx, kaCtx context.Context, m fabric.Member, value []byte) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, error) {
	opCtx, cancel := f.opCtx(ctx)
	defer cancel()
	lease, err := f.cli.Grant(opCtx, f.cfg.LeaseTTL)
	if err != nil {
		return 0, nil, wrap("grant member lease", err)
	}
	if _, err := f.cli.Put(opCtx, f.cfg.Keys.Member(m.ID), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, wrap("register member", err)
	}
	ka, err := f.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		return 0, nil, wrap("keep member lease alive", err)
	}
	return lease.ID, ka, nil
}

// keepMember drains the keepalive stream. When it ends while the session is
// still live the lease is gone, and so is the member key: the node registers
// again under a fresh lease, retrying until it succeeds or the session ends.
func (f *Fabric) keepMember(kaCtx context.Context, m fabric.Member, value []byte, ka <-chan *clientv3.LeaseKeepAliveResponse) {
	defer f.wg.Done()
	for {
		for range ka {
		}
		if kaCtx.Err() != nil {
			return
		}
		f.log.Warn("member lease keepalive ended, rejoining", "node", m.ID)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = f.cfg.RejoinInterval
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0
		var lease clientv3.LeaseID
		err := backoff.Retry(func() error {
			var err error
			lease, ka, err = f.register(kaCtx, kaCtx, m, value)
			if err != nil {
				f.log.Debug("rejoin attempt failed", "node", m.ID, "error", err)
			}
			return err
		}, backoff.WithContext(b, kaCtx))
		if err != nil {
			return
		}

		f.mu.Lock()
		current := f.member != nil && f.member.ID == m.ID && kaCtx.Err() == nil
		if current {
			f.lease = lease
		}
		f.mu.Unlock()
		if !current {
			// Left or joined again while registering; drop the stray key.
			revokeCtx, cancel := context.WithTimeout(context.Background(), f.cfg.RequestTimeout)
			if _, err := f.cli.Revoke(revokeCtx, lease); err != nil {
				f.log.Debug("revoke stale member lease", "lease", int64(lease), "error", err)
			}
			cancel()
			return
		}
		f.log.Info("member rejoined", "node", m.ID, "lease", int64(lease))
		if f.cfg.OnRejoin != nil {
			f.cfg.OnRejoin()
		}
	}
}

func (f *Fabric) Leave(ctx context.Context) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.leave(ctx)
}

func (f *Fabric) leave(ctx context.Context) error {
	f.mu.Lock()
	lease, member, stopKA := f.lease, f.member, f.stopKA
	f.lease, f.member, f.stopKA = 0, nil, nil
	f.mu.Unlock()
	if member == nil {
		return fabric.ErrNotJoined
	}
	stopKA()

	opCtx, cancel := f.opCtx(ctx)
	defer cancel()
	// Revoking the lease deletes the member key.
	_, err := f.cli.Revoke(opCtx, lease)
	return wrap("revoke member lease", err)
}

func decodeMember(kv *mvccpb.KeyValue) (fabric.Member, bool) {
	var m fabric.Member
	if kv == nil || json.Unmarshal(kv.Value, &m) != nil {
		return fabric.Member{}, false
	}
	return m, true
}

func (f *Fabric) Members(ctx context.Context) ([]fabric.Member, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	resp, err := f.list(ctx, f.cfg.Keys.MembersPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, wrap("list members", err)
	}
	members := make([]fabric.Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if m, ok := decodeMember(kv); ok {
			members = append(members, m)
		}
	}
	return members, nil
}

func (f *Fabric) WatchMembers(ctx context.Context) (<-chan fabric.MemberEvent, error) {
	prefix := f.cfg.Keys.MembersPrefix()
	return stream(f, ctx, prefix, func(t mvccpb.Event_EventType, kv, prev *mvccpb.KeyValue) (fabric.MemberEvent, bool) {
		if t == mvccpb.DELETE {
			m, ok := decodeMember(prev)
			if !ok {
				m = fabric.Member{ID: types.NodeID(strings.TrimPrefix(string(kv.Key), prefix))}
			}
			return fabric.MemberEvent{Type: fabric.MemberLeft, Member: m}, true
		}
		m, ok := decodeMember(kv)
		return fabric.MemberEvent{Type: fabric.MemberJoined, Member: m}, ok
	}, clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
}

// ============================================================================
// Broadcast
// ============================================================================

func (f *Fabric) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if err := f.check(); err != nil {
		return err
	}
	opCtx, cancel := f.opCtx(ctx)
	defer cancel()

	lease, err := f.cli.Grant(opCtx, f.cfg.MessageTTL)
	if err != nil {
		return wrap("grant message lease", err)
	}
	key := f.cfg.Keys.TopicMessage(topic, uuid.NewString())
	_, err = f.cli.Put(opCtx, key, string(payload), clientv3.WithLease(lease.ID))
	return wrap("broadcast", err)
}

func (f *Fabric) Subscribe(ctx context.Context, topic string) (<-chan fabric.Message, error) {
	prefix := f.cfg.Keys.TopicPrefix(topic)
	return stream(f, ctx, prefix, func(t mvccpb.Event_EventType, kv, _ *mvccpb.KeyValue) (fabric.Message, bool) {
		if t != mvccpb.PUT {
			// Expiry of a retained message.
			return fabric.Message{}, false
		}
		return fabric.Message{
			Topic:   topic,
			ID:      strings.TrimPrefix(string(kv.Key), prefix),
			Payload: kv.Value,
		}, true
	}, clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
}

// Close leaves the cluster if joined, ends all watches and, when the client
// was dialed by New, closes it.
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	joined := f.member != nil
	f.mu.Unlock()

	var err error
	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.RequestTimeout)
		err = f.leave(ctx)
		cancel()
	}
	f.cancel()
	f.wg.Wait()
	if f.owned {
		err = multierr.Append(err, f.cli.Close())
	}
	return err
}
