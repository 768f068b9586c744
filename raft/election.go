package raft

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(1))
)

func pseudoRandFloat() float64 {
	// randSource is shared by every RaftServer in the process, each calling
	// it from its own reactor, so access is serialized by randMu.
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Float64()
}

// RequestVote implements the RequestVote RPC, including the pre-vote
// variant (§4.5). Pre-vote probes never bump the term or record a vote.
// The logic runs on the reactor goroutine (via runOnReactor) rather than
// whatever goroutine net/rpc dispatched this call on (§5).
func (server *RaftServer) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	if server.Disconnected {
		return ErrShutdown
	}
	server.runOnReactor(func() {
		server.handleRequestVote(args, result)
	})
	return nil
}

func (server *RaftServer) handleRequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) {
	if args.Term > server.Term && !args.PreVote {
		server.stepDownToTerm(args.Term, nil)
	}
	result.Term = server.Term

	if args.Term < server.Term {
		result.VoteGranted = false
		return
	}

	if args.PreVote {
		// Grant a pre-vote only if we haven't heard from a leader
		// recently; this keeps a partitioned-and-rejoining node from
		// disrupting a healthy leader with a round of pre-votes it can
		// never turn into a real election anyway.
		if !server.recentLeaderContact() && server.logAtLeastAsUpToDate(args) {
			result.VoteGranted = true
		}
		return
	}

	if server.VotedFor != nil && *server.VotedFor != args.CandidateID {
		result.VoteGranted = false
		return
	}

	if !server.logAtLeastAsUpToDate(args) {
		result.VoteGranted = false
		return
	}

	result.VoteGranted = true
	server.VotedFor = &args.CandidateID
	if err := setVotedFor(server.PersistentStore, server.VotedFor); err != nil {
		log.Printf("%v: failed to persist votedFor: %+v\n", server.MyID, err)
	}
	server.resetElectionTimer()
}

func (server *RaftServer) logAtLeastAsUpToDate(args *common.RequestVoteRPC) bool {
	last, err := server.getLastLogEntry()
	if err != nil {
		log.Printf("%v: error getting last log entry: %+v\n", server.MyID, err)
		return false
	}
	if args.LastLogTerm != last.Term {
		return args.LastLogTerm > last.Term
	}
	return args.LastLogIndex >= last.Index
}

// recentLeaderContact reports whether we've heard from a leader more
// recently than one election timeout ago — used by the pre-vote grant
// check (§4.5's fourth conjunct).
func (server *RaftServer) recentLeaderContact() bool {
	return !server.lastLeaderContact.IsZero() && time.Since(server.lastLeaderContact) < server.ClusterConfig.ElectionTimeout
}

// stepDownToTerm updates current term, clears our vote, and converts to
// follower. Caller must hold server.Mutex.
func (server *RaftServer) stepDownToTerm(term uint64, leader *uuid.UUID) {
	server.Term = term
	server.VotedFor = nil
	if err := setTerm(server.PersistentStore, server.Term); err != nil {
		log.Printf("%v: failed to persist term: %+v\n", server.MyID, err)
	}
	if err := setVotedFor(server.PersistentStore, nil); err != nil {
		log.Printf("%v: failed to persist votedFor: %+v\n", server.MyID, err)
	}
	server.convertToFollower(leader)
	server.fireTermChanged()
}

// startElection runs the pre-vote probe and, if a quorum of pre-votes
// comes back, bumps the term and runs the real election. Caller must be
// running on the reactor; startElection returns without waiting, and the
// pre-vote outcome is handled in a later reactor turn (see
// broadcastVoteRequest).
func (server *RaftServer) startElection() {
	voters := server.Config.Voters()
	if len(voters) == 0 {
		server.resetElectionTimer()
		return
	}

	last, err := server.getLastLogEntry()
	if err != nil {
		log.Printf("%v: error getting last log entry for election: %+v\n", server.MyID, err)
		return
	}

	preVoteReq := common.RequestVoteRPC{
		Term:         server.Term + 1,
		CandidateID:  server.MyID,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
		PreVote:      true,
	}
	quorum := common.Configuration{Servers: server.Config.Servers}.QuorumSize()
	server.resetElectionTimer()

	server.broadcastVoteRequest(preVoteReq, quorum, func(granted int, higherTerm uint64, sawHigher bool) {
		if server.State == Leader || server.Term >= preVoteReq.Term {
			return // stale by the time responses arrived
		}
		if sawHigher {
			server.stepDownToTerm(higherTerm, nil)
			return
		}
		if granted+1 < quorum {
			return // did not win pre-vote; wait for next timeout
		}
		server.convertToCandidate()
	})
}

// convertToCandidate bumps the term, votes for self, persists both, and
// launches the real vote-collection round. Caller must hold server.Mutex.
func (server *RaftServer) convertToCandidate() {
	log.Printf("%v: converting to candidate for term %d\n", server.MyID, server.Term+1)
	server.State = Candidate
	server.CurrentLeader = nil
	server.resetCandidateState()
	server.Term++
	server.VotedFor = &server.MyID
	if err := setTerm(server.PersistentStore, server.Term); err != nil {
		log.Printf("%v: failed to persist term: %+v\n", server.MyID, err)
	}
	if err := setVotedFor(server.PersistentStore, server.VotedFor); err != nil {
		log.Printf("%v: failed to persist votedFor: %+v\n", server.MyID, err)
	}
	server.resetElectionTimer()

	last, err := server.getLastLogEntry()
	if err != nil {
		log.Printf("%v: error getting last log entry: %+v\n", server.MyID, err)
		return
	}

	req := common.RequestVoteRPC{
		Term:         server.Term,
		CandidateID:  server.MyID,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
	}
	quorum := server.Config.QuorumSize()
	electionTerm := server.Term

	server.broadcastVoteRequest(req, quorum, func(granted int, higherTerm uint64, sawHigher bool) {
		if server.Term != electionTerm || server.State != Candidate {
			return // stale election
		}
		if sawHigher {
			server.stepDownToTerm(higherTerm, nil)
			return
		}
		if granted+1 >= quorum {
			server.convertToLeader(electionTerm)
		}
	})
}

// broadcastVoteRequest fans RequestVote (or pre-vote) out to every voter
// and invokes done exactly once, after every peer it sent to has responded
// or failed. Caller must be running on the
// reactor (inside a job's fn); broadcastVoteRequest returns immediately,
// and done runs later, back on the reactor via postToReactor.
func (server *RaftServer) broadcastVoteRequest(req common.RequestVoteRPC, quorum int, done func(granted int, higherTerm uint64, sawHigher bool)) {
	voters := server.Config.Voters()
	resultCh := make(chan common.RequestVoteRPCResult, len(voters))
	var inFlight int
	for _, v := range voters {
		if v.ID == server.MyID {
			continue
		}
		peer, ok := server.peers[v.ID]
		if !ok {
			continue
		}
		inFlight++
		server.wg.Add(1)
		go func(peer common.RPCServer) {
			defer server.wg.Done()
			var res common.RequestVoteRPCResult
			if err := peer.RequestVote(&req, &res); err != nil {
				resultCh <- common.RequestVoteRPCResult{Term: 0, VoteGranted: false}
				return
			}
			resultCh <- res
		}(peer)
	}

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		granted := 0
		var higherTerm uint64
		sawHigher := false
		for i := 0; i < inFlight; i++ {
			res := <-resultCh
			if res.Term > req.Term && res.Term > higherTerm {
				higherTerm = res.Term
				sawHigher = true
			}
			if res.VoteGranted {
				granted++
			}
		}
		server.postToReactor(func() { done(granted, higherTerm, sawHigher) })
	}()
}

// convertToLeader transitions Candidate -> Leader for a still-current
// election term: initializes per-peer progress optimistically (we assume
// peers already have everything except our very last entry, matching the
// teacher's rationale for not using lastIndex+1), and appends a barrier
// entry so that prior-term entries become committable (§4.7).
func (server *RaftServer) convertToLeader(term uint64) {
	if term != server.Term || server.State != Candidate {
		log.Printf("%v: discarding stale election result for term %d\n", server.MyID, term)
		return
	}
	log.Printf("%v: converting to leader for term %d\n", server.MyID, server.Term)
	server.State = Leader
	server.CurrentLeader = &server.MyID
	server.resetLeaderState()
	server.lastQuorumContact = time.Now()
	server.lastHeartbeatSent = time.Time{}

	last, err := server.getLastLogEntry()
	if err != nil {
		log.Printf("%v: error getting last log entry: %+v\n", server.MyID, err)
	}
	nextIndex := last.Index
	if nextIndex == 0 {
		nextIndex = 1
	}
	for _, v := range server.Config.Servers {
		if v.ID == server.MyID {
			continue
		}
		server.Progress[v.ID] = &peerProgress{nextIndex: nextIndex}
	}

	server.fireLeaderChanged()

	barrier := common.LogEntry{Index: last.Index + 1, Term: server.Term, Type: common.EntryBarrier}
	server.appendAsyncContinue([]common.LogEntry{barrier}, func(err error) {
		if err != nil {
			log.Printf("%v: failed to append barrier entry: %+v\n", server.MyID, err)
			return
		}
		if server.Term != term || server.State != Leader {
			return // stepped down or moved on before the write landed
		}
		server.broadcastAppendEntriesLocked()
	})
}
