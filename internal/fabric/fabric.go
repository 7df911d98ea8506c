// ============================================================================
// tilebreeder Fabric - cluster state primitives
// ============================================================================
//
// Package: internal/fabric
// File: fabric.go
// Purpose: The replicated state every node shares: a key/value map with
//          write-once creation and an atomic counter, prefix watches,
//          membership with join/leave notifications, and topic broadcast.
//
// Delivery guarantees:
//   - Watches replay the current keys under the prefix before live events, so
//     a node that starts late still sees every existing job descriptor.
//   - Events and messages are delivered at least once and eventually; callers
//     must tolerate duplicates.
//   - Broadcast messages are retained for a while so members that subscribe
//     after the broadcast still receive them.
//
// Implementations:
//   - fabric/memory: every node of a cluster in one process
//   - fabric/etcd:   an etcd v3 cluster
//
// ============================================================================

package fabric

import (
	"context"
	"errors"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

var (
	// ErrUnavailable is returned when the fabric cannot be reached.
	ErrUnavailable = errors.New("cluster state fabric unavailable")
	// ErrKeyExists is returned by Create when the key is already present.
	ErrKeyExists = errors.New("key already exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("fabric closed")
	// ErrNotJoined is returned by Leave before Join.
	ErrNotJoined = errors.New("node has not joined the cluster")
)

// EventType says what happened to a key.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "DELETE"
	}
	return "PUT"
}

// Event is one change observed by Watch. Value is empty for deletes.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// Member is a node that joined the cluster.
type Member struct {
	ID      types.NodeID `json:"id"`
	RPCAddr string       `json:"rpc_addr"`
}

// MemberEventType says whether a member arrived or went away.
type MemberEventType int

const (
	MemberJoined MemberEventType = iota
	MemberLeft
)

func (t MemberEventType) String() string {
	if t == MemberLeft {
		return "LEFT"
	}
	return "JOINED"
}

// MemberEvent is delivered by WatchMembers. Current members are replayed as
// MemberJoined when the watch starts.
type MemberEvent struct {
	Type   MemberEventType
	Member Member
}

// Message is one broadcast payload. ID is unique per topic.
type Message struct {
	Topic   string
	ID      string
	Payload []byte
}

// Fabric is the Cluster State Fabric as seen from one node. Channels returned
// by Watch, WatchMembers and Subscribe are closed when ctx is done or the
// fabric is closed.
type Fabric interface {
	Put(ctx context.Context, key string, value []byte) error
	// Create writes the key only if absent; otherwise it returns ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// Increment atomically adds one to the counter at key and returns the new
	// value. A missing counter starts at zero, so the first value is 1.
	Increment(ctx context.Context, key string) (int64, error)
	Watch(ctx context.Context, prefix string) (<-chan Event, error)

	Join(ctx context.Context, m Member) error
	Leave(ctx context.Context) error
	Members(ctx context.Context) ([]Member, error)
	WatchMembers(ctx context.Context) (<-chan MemberEvent, error)

	Broadcast(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	Close() error
}
