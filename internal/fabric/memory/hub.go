// ============================================================================
// tilebreeder Memory Fabric - in-process cluster state
// ============================================================================
//
// Package: internal/fabric/memory
// File: hub.go
// Purpose: A Hub holds the shared state of one simulated cluster. Each node
//          gets its own Fabric view; views see each other's writes, members
//          and broadcasts through per-watcher mailboxes, so visibility is
//          asynchronous the way it is with a real replicated store.
//
// Failure simulation:
//   - Fabric.SetUnavailable: the view's own operations fail with
//     ErrUnavailable; deliveries to it continue.
//   - Hub.Partition: the node is cut off. Its operations fail, nothing is
//     delivered to it and its membership is dropped as if its lease expired.
//   - Hub.Heal: the node is reconnected, its membership restored, and its
//     watches and subscriptions replay current state (at-least-once).
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// DefaultRetention is how long broadcast messages are replayed to new subscribers.
const DefaultRetention = 5 * time.Minute

type watcher struct {
	view   *Fabric
	prefix string
	box    *mailbox[fabric.Event]
}

type memberWatcher struct {
	view *Fabric
	box  *mailbox[fabric.MemberEvent]
}

type subscription struct {
	view  *Fabric
	topic string
	box   *mailbox[fabric.Message]
}

type retainedMessage struct {
	msg     fabric.Message
	expires time.Time
}

// Hub is the shared state of one in-process cluster.
type Hub struct {
	mu        sync.Mutex
	kv        map[string][]byte
	members   map[types.NodeID]fabric.Member
	retained  map[string][]retainedMessage
	views     map[types.NodeID]*Fabric
	watchers  map[*watcher]struct{}
	memberWs  map[*memberWatcher]struct{}
	subs      map[*subscription]struct{}
	msgSeq    int64
	retention time.Duration
	clock     clock.Clock
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRetention sets how long broadcasts are retained.
func WithRetention(d time.Duration) HubOption {
	return func(h *Hub) { h.retention = d }
}

// WithClock replaces the clock used for message retention.
func WithClock(c clock.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// NewHub creates an empty cluster.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		kv:        make(map[string][]byte),
		members:   make(map[types.NodeID]fabric.Member),
		retained:  make(map[string][]retainedMessage),
		views:     make(map[types.NodeID]*Fabric),
		watchers:  make(map[*watcher]struct{}),
		memberWs:  make(map[*memberWatcher]struct{}),
		subs:      make(map[*subscription]struct{}),
		retention: DefaultRetention,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Node returns the view of node id, creating it on first use.
func (h *Hub) Node(id types.NodeID) *Fabric {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.views[id]; ok {
		return f
	}
	f := &Fabric{hub: h, node: id, closed: make(chan struct{})}
	h.views[id] = f
	return f
}

// Partition cuts node id off from the cluster.
func (h *Hub) Partition(id types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.views[id]
	if !ok {
		return
	}
	f.setPartitioned(true)
	if _, joined := h.members[id]; joined {
		m := h.members[id]
		delete(h.members, id)
		h.emitMemberLocked(fabric.MemberEvent{Type: fabric.MemberLeft, Member: m})
	}
}

// Heal reconnects node id and replays the cluster state to it.
func (h *Hub) Heal(id types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.views[id]
	if !ok || !f.isPartitioned() {
		return
	}
	f.setPartitioned(false)

	for w := range h.watchers {
		if w.view == f {
			h.replayKeysLocked(w)
		}
	}
	for s := range h.subs {
		if s.view == f {
			h.replayMessagesLocked(s)
		}
	}
	for mw := range h.memberWs {
		if mw.view == f {
			h.replayMembersLocked(mw)
		}
	}
	if m, joined := f.membership(); joined {
		h.members[id] = m
		h.emitMemberLocked(fabric.MemberEvent{Type: fabric.MemberJoined, Member: m})
	}
}

// ============================================================================
// Shared state, called with h.mu held
// ============================================================================

func (h *Hub) emitKeyLocked(ev fabric.Event) {
	for w := range h.watchers {
		if w.view.reachable() && strings.HasPrefix(ev.Key, w.prefix) {
			w.box.push(ev)
		}
	}
}

func (h *Hub) emitMemberLocked(ev fabric.MemberEvent) {
	for mw := range h.memberWs {
		if mw.view.reachable() {
			mw.box.push(ev)
		}
	}
}

func (h *Hub) replayKeysLocked(w *watcher) {
	keys := make([]string, 0)
	for k := range h.kv {
		if strings.HasPrefix(k, w.prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.box.push(fabric.Event{Type: fabric.EventPut, Key: k, Value: clone(h.kv[k])})
	}
}

func (h *Hub) replayMembersLocked(mw *memberWatcher) {
	for _, m := range h.sortedMembersLocked() {
		mw.box.push(fabric.MemberEvent{Type: fabric.MemberJoined, Member: m})
	}
}

func (h *Hub) replayMessagesLocked(s *subscription) {
	h.pruneLocked(s.topic)
	for _, r := range h.retained[s.topic] {
		s.box.push(r.msg)
	}
}

func (h *Hub) pruneLocked(topic string) {
	now := h.clock.Now()
	kept := h.retained[topic][:0]
	for _, r := range h.retained[topic] {
		if now.Before(r.expires) {
			kept = append(kept, r)
		}
	}
	h.retained[topic] = kept
}

func (h *Hub) sortedMembersLocked() []fabric.Member {
	out := make([]fabric.Member, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) removeView(f *Fabric) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.views[f.node] == f {
		delete(h.views, f.node)
	}
	if m, ok := h.members[f.node]; ok && m == f.joinedMember() {
		delete(h.members, f.node)
		h.emitMemberLocked(fabric.MemberEvent{Type: fabric.MemberLeft, Member: m})
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// ============================================================================
// Fabric view
// ============================================================================

// Fabric is one node's view of a Hub. It implements fabric.Fabric.
type Fabric struct {
	hub  *Hub
	node types.NodeID

	mu          sync.Mutex
	unavailable bool
	partitioned bool
	joined      *fabric.Member
	closed      chan struct{}
	closeOnce   sync.Once
	isClosed    bool
}

var _ fabric.Fabric = (*Fabric)(nil)

// NodeID returns the node the view belongs to.
func (f *Fabric) NodeID() types.NodeID { return f.node }

// SetUnavailable makes this view's operations fail with ErrUnavailable.
func (f *Fabric) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

func (f *Fabric) setPartitioned(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitioned = v
}

func (f *Fabric) isPartitioned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partitioned
}

func (f *Fabric) reachable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.partitioned && !f.isClosed
}

func (f *Fabric) membership() (fabric.Member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined == nil {
		return fabric.Member{}, false
	}
	return *f.joined, true
}

func (f *Fabric) joinedMember() fabric.Member {
	m, _ := f.membership()
	return m
}

func (f *Fabric) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.isClosed:
		return fabric.ErrClosed
	case f.unavailable || f.partitioned:
		return fabric.ErrUnavailable
	}
	return nil
}

func (f *Fabric) Put(ctx context.Context, key string, value []byte) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kv[key] = clone(value)
	h.emitKeyLocked(fabric.Event{Type: fabric.EventPut, Key: key, Value: clone(value)})
	return nil
}

func (f *Fabric) Create(ctx context.Context, key string, value []byte) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.kv[key]; ok {
		return fmt.Errorf("%w: %s", fabric.ErrKeyExists, key)
	}
	h.kv[key] = clone(value)
	h.emitKeyLocked(fabric.Event{Type: fabric.EventPut, Key: key, Value: clone(value)})
	return nil
}

func (f *Fabric) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.check(ctx); err != nil {
		return nil, false, err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.kv[key]
	return clone(v), ok, nil
}

func (f *Fabric) Delete(ctx context.Context, key string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.kv[key]; !ok {
		return nil
	}
	delete(h.kv, key)
	h.emitKeyLocked(fabric.Event{Type: fabric.EventDelete, Key: key})
	return nil
}

func (f *Fabric) Increment(ctx context.Context, key string) (int64, error) {
	if err := f.check(ctx); err != nil {
		return 0, err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	var n int64
	if v, ok := h.kv[key]; ok {
		cur, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %s holds %q: %w", key, v, err)
		}
		n = cur
	}
	n++
	val := []byte(strconv.FormatInt(n, 10))
	h.kv[key] = val
	h.emitKeyLocked(fabric.Event{Type: fabric.EventPut, Key: key, Value: clone(val)})
	return n, nil
}

func (f *Fabric) Watch(ctx context.Context, prefix string) (<-chan fabric.Event, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	h := f.hub
	w := &watcher{view: f, prefix: prefix, box: newMailbox[fabric.Event]()}

	h.mu.Lock()
	h.replayKeysLocked(w)
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	go w.box.run(ctx, f.closed, func() {
		h.mu.Lock()
		delete(h.watchers, w)
		h.mu.Unlock()
	})
	return w.box.out, nil
}

func (f *Fabric) Join(ctx context.Context, m fabric.Member) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = f.node
	}
	f.mu.Lock()
	f.joined = &m
	f.mu.Unlock()

	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[m.ID] = m
	h.emitMemberLocked(fabric.MemberEvent{Type: fabric.MemberJoined, Member: m})
	return nil
}

func (f *Fabric) Leave(ctx context.Context) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	m := f.joined
	f.joined = nil
	f.mu.Unlock()
	if m == nil {
		return fabric.ErrNotJoined
	}

	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, m.ID)
	h.emitMemberLocked(fabric.MemberEvent{Type: fabric.MemberLeft, Member: *m})
	return nil
}

func (f *Fabric) Members(ctx context.Context) ([]fabric.Member, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sortedMembersLocked(), nil
}

func (f *Fabric) WatchMembers(ctx context.Context) (<-chan fabric.MemberEvent, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	h := f.hub
	mw := &memberWatcher{view: f, box: newMailbox[fabric.MemberEvent]()}

	h.mu.Lock()
	h.replayMembersLocked(mw)
	h.memberWs[mw] = struct{}{}
	h.mu.Unlock()

	go mw.box.run(ctx, f.closed, func() {
		h.mu.Lock()
		delete(h.memberWs, mw)
		h.mu.Unlock()
	})
	return mw.box.out, nil
}

func (f *Fabric) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	h := f.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	h.msgSeq++
	msg := fabric.Message{Topic: topic, ID: fmt.Sprintf("%020d", h.msgSeq), Payload: clone(payload)}
	h.pruneLocked(topic)
	h.retained[topic] = append(h.retained[topic], retainedMessage{msg: msg, expires: h.clock.Now().Add(h.retention)})

	for s := range h.subs {
		if s.topic == topic && s.view.reachable() {
			s.box.push(msg)
		}
	}
	return nil
}

func (f *Fabric) Subscribe(ctx context.Context, topic string) (<-chan fabric.Message, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	h := f.hub
	s := &subscription{view: f, topic: topic, box: newMailbox[fabric.Message]()}

	h.mu.Lock()
	h.replayMessagesLocked(s)
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.box.run(ctx, f.closed, func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
	})
	return s.box.out, nil
}

// Close ends every watch and subscription of the view and drops its
// membership. The Hub hands out a fresh view for the node afterwards.
func (f *Fabric) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.isClosed = true
		f.mu.Unlock()
		close(f.closed)
		f.hub.removeView(f)
	})
	return nil
}
