package common

import (
	"github.com/google/uuid"
)

// EntryType discriminates the three kinds of log entry the core appends.
type EntryType int

const (
	// EntryCommand carries an opaque byte payload destined for the user FSM.
	EntryCommand EntryType = iota
	// EntryConfiguration carries a gob-encoded Configuration.
	EntryConfiguration
	// EntryBarrier is an empty no-op entry appended by a new leader so that
	// prior-term entries can be committed (see the Raft paper §5.4.2).
	EntryBarrier
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "command"
	case EntryConfiguration:
		return "configuration"
	case EntryBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// LogEntry represents one particular log entry in the raft log. Entries are
// immutable once durably appended; Index 0 holds a term-0 sentinel entry,
// written by raft.Bootstrap ahead of the index-1 configuration, so that
// PrevLogIndex/PrevLogTerm never need a negative "no previous entry"
// marker.
type LogEntry struct {
	Index, Term uint64
	Type        EntryType
	Data        []byte
}

// LogStore is the interface that when implemented can be used as a store
// for storing logs of one raft server. LogStore is responsible for
// guaranteeing persistence of logs across server restarts.
//
// Implementations must uphold Log Matching: two LogStores that both hold an
// entry at the same (term, index) must hold byte-identical entries, and all
// preceding entries must match too.
type LogStore interface {
	// Append stores entries contiguously starting at entries[0].Index,
	// overwriting anything at those indices, and blocks until they are
	// durable. Overwriting existing entries that were not first removed
	// via TruncateSuffix is a programmer error and may panic.
	Append(entries []LogEntry) error
	// AppendAsync behaves like Append but does not block on durability:
	// entries are indexed (visible to Get/Length/TermOf) before
	// AppendAsync returns, but the returned channel only receives its
	// one-shot durability result once the underlying write(s) complete.
	// Callers that must not block the caller's own goroutine on disk I/O
	// (the raft reactor, in particular) use this instead of Append.
	AppendAsync(entries []LogEntry) <-chan error
	Get(index uint64) (*LogEntry, error)
	// TermOf returns the term of the entry at index, and false if no such
	// entry exists (e.g. index is before the snapshot horizon).
	TermOf(index uint64) (uint64, bool)
	// Length returns one past the highest stored index.
	Length() (uint64, error)
	// TruncateSuffix discards every entry at index >= from.
	TruncateSuffix(from uint64) error
	// TruncatePrefix discards every entry at index <= through. Fails if
	// any Acquire()'d lease still pins a range overlapping [0, through].
	TruncatePrefix(through uint64) error
	// Acquire pins [lo, hi] against TruncatePrefix until the returned
	// Lease is released, so an in-flight replication batch can't be
	// compacted out from under it.
	Acquire(lo, hi uint64) (Lease, error)
	Close() error
}

// Lease pins a range of log indices against prefix compaction.
type Lease interface {
	Release()
}

// PersistentStore implementations can be used as general-purpose stores
// for storing non-volatile data (such as Raft server's non-volatile state
// variables: current term, voted-for, first retained index).
type PersistentStore interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	GetDefault(key []byte, defaultVal []byte) ([]byte, error)
	Close() error
}

// FSM represents a general finite-state machine which consumes committed
// log entries. Apply is never called concurrently and is never called out
// of index order.
type FSM interface {
	Apply(entry LogEntry) ([]byte, error)
}

// SnapshotSink is what a FSM's capture callback writes its state into.
type SnapshotSink interface {
	Write(p []byte) (int, error)
}

// RPCServer is the interface exposed by a Raft server to outside
// (including other Raft servers, and clients).
type RPCServer interface {
	GetID() uuid.UUID
	ClientRequest(args *ClientRequestRPC, result *ClientRequestRPCResult) error
	RequestVote(args *RequestVoteRPC, result *RequestVoteRPCResult) error
	AppendEntries(args *AppendEntriesRPC, result *AppendEntriesRPCResult) error
	InstallSnapshot(args *InstallSnapshotRPC, result *InstallSnapshotRPCResult) error
	TimeoutNow(args *TimeoutNowRPC, result *TimeoutNowRPCResult) error
}

// RPCManager abstracts away RPC handling from RPC servers.
type RPCManager interface {
	// Start is a blocking call.
	// It starts the RPC server at the given address and blocks forever.
	// Start only returns error if it fails to start the server.
	Start(address ServerAddress, server RPCServer) error
	ConnectToPeer(address ServerAddress, id uuid.UUID) (RPCServer, error)
	// Stop the RPCManager (permanent)
	Stop() error
	// Disconnect disconnects all managed peers
	Disconnect()
	// Reconnect can heal the disconnected managed peers
	Reconnect()
}

// WatchEventKind discriminates the events RegisterWatchCallback observers see.
type WatchEventKind int

const (
	LeaderChanged WatchEventKind = iota
	TermChanged
)

// WatchEvent is delivered to watch observers on leader or term transitions.
type WatchEvent struct {
	Kind     WatchEventKind
	Term     uint64
	LeaderID *uuid.UUID
}

// WatchFunc is invoked synchronously on the reactor goroutine; it must not
// block or re-enter the server.
type WatchFunc func(WatchEvent)
