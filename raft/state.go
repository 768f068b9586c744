package raft

import (
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

type RaftState int

const (
	Follower RaftState = iota
	Candidate
	Leader
)

func (s RaftState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// peerProgress is the leader's per-peer volatile replication state
// (§3 "Leader volatile state per peer").
type peerProgress struct {
	nextIndex    uint64
	matchIndex   uint64
	inFlight     int
	lastContact  time.Time
	snapshotting bool
}

// state holds every persistent and volatile field the consensus state
// machine tracks, kept as a single embedded struct in RaftServer the way
// the teacher's state.go does.
type state struct {
	// Persistent (must be durable before any externally-observable reply
	// that depends on them, per §3's invariant).
	Term        uint64
	VotedFor    *uuid.UUID
	Config      common.Configuration
	ConfigIndex uint64 // log index of the entry that produced Config

	// Volatile, all roles.
	CommitIndex   uint64
	AppliedIndex  uint64
	State         RaftState
	CurrentLeader *uuid.UUID

	// Leader-only volatile state, keyed by peer id. Reset whenever we step
	// up to leader; irrelevant (but harmless) otherwise.
	Progress map[uuid.UUID]*peerProgress

	// Candidate-only volatile state.
	VotesReceived    map[uuid.UUID]bool
	PreVotesReceived map[uuid.UUID]bool
	ElectionStart    time.Time

	// check-quorum bookkeeping (§4.7): updated whenever the leader
	// receives a successful AppendEntries/InstallSnapshot ack from a
	// quorum of voters.
	lastQuorumContact time.Time

	// leaderHint is retained across a step-down so followers can still
	// redirect clients briefly even before hearing from the new leader.
	leaderHint *uuid.UUID

	// Reactor-managed deadlines, checked on each coarse tick (§5).
	electionDeadline time.Time
	// lastLeaderContact is a follower's view: last time a valid
	// AppendEntries/InstallSnapshot arrived from the current leader.
	lastLeaderContact time.Time
	// lastHeartbeatSent is a leader's view: last time it broadcast
	// AppendEntries to its peers.
	lastHeartbeatSent time.Time

	// pendingConfigChange is true whenever an uncommitted configuration
	// entry exists, enforcing "only one uncommitted configuration entry"
	// (§4.4). Guards AddServer/PromoteServer/RemoveServer with ErrBusy.
	pendingConfigChange bool
}

func newState() state {
	return state{
		State:            Follower,
		Progress:         make(map[uuid.UUID]*peerProgress),
		VotesReceived:    make(map[uuid.UUID]bool),
		PreVotesReceived: make(map[uuid.UUID]bool),
	}
}

// resetLeaderState clears leader-only volatile fields, called whenever we
// step down or step up (§4.7 "Transitions always ... reset volatile
// leader/candidate fields on any step-down").
func (s *state) resetLeaderState() {
	s.Progress = make(map[uuid.UUID]*peerProgress)
}

func (s *state) resetCandidateState() {
	s.VotesReceived = make(map[uuid.UUID]bool)
	s.PreVotesReceived = make(map[uuid.UUID]bool)
}
