package common

import (
	"github.com/google/uuid"
)

type ClientRequestRPC struct {
	Data []byte
}

type ClientRequestRPCResult struct {
	Success bool
	// Error will be non-empty iff Success is False
	Error string
	// Data can be non-nil for example for Get calls
	Data []byte
	// LeaderHint carries the last known leader id when Success is false
	// because this server isn't the leader, so the caller can retry there
	// directly instead of round-robining the whole cluster.
	LeaderHint *uuid.UUID
}

// See Raft paper for details on below RPCs

type RequestVoteRPC struct {
	Term         uint64
	CandidateID  uuid.UUID
	LastLogIndex uint64
	LastLogTerm  uint64
	// PreVote is true for the non-disruptive probe round that precedes an
	// actual term-bumping election (§4.5).
	PreVote bool
}

type RequestVoteRPCResult struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesRPC struct {
	Term              uint64
	Leader            uuid.UUID
	PrevLogIndex      uint64
	PrevLogTerm       uint64
	Entries           []LogEntry
	LeaderCommitIndex uint64
}

type AppendEntriesRPCResult struct {
	Term    uint64
	Success bool
	// ConflictTerm/ConflictFirstIndex let the leader jump next_index
	// directly to the first index of the conflicting term instead of
	// decrementing by one (§4.6).
	ConflictTerm       uint64
	ConflictFirstIndex uint64
	// HasConflict distinguishes "no conflict info" (ConflictTerm == 0 is
	// ambiguous with the sentinel term) from a populated conflict hint.
	HasConflict bool
}

type InstallSnapshotRPC struct {
	Term              uint64
	Leader            uuid.UUID
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     []byte // gob-encoded Configuration at the snapshot index
	Offset            int64
	Data              []byte
	Done              bool
}

type InstallSnapshotRPCResult struct {
	Term uint64
}

// TimeoutNowRPC asks the receiving follower to start an election
// immediately, used by TransferLeadership to hand off without waiting for
// the receiver's own election timer.
type TimeoutNowRPC struct {
	Term uint64
}

type TimeoutNowRPCResult struct {
	Term uint64
}

// SnapshotMeta describes a completed snapshot: its log coordinates, the
// configuration in force at that point, and the opaque FSM state captured
// by the embedder's capture callback.
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     []byte
	Data              []byte
}
