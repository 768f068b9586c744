package raft

import (
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

// AppendEntries implements the AppendEntries RPC (§4.6/§4.7). The handler
// body runs on the reactor goroutine (via runOnReactor), never on whatever
// goroutine net/rpc dispatched this call on (§5); the durable-write portion
// (reconcileEntriesAsync) does not block the reactor, only this RPC's own
// caller, which waits on done.
func (server *RaftServer) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	if server.Disconnected {
		return ErrShutdown
	}
	done := make(chan error, 1)
	server.runOnReactor(func() {
		server.handleAppendEntries(args, result, done)
	})
	return <-done
}

// handleAppendEntries runs on the reactor goroutine. It must send exactly
// once on done, either before returning (a synchronous rejection) or later,
// from a reconcileEntriesAsync continuation posted back via postToReactor.
func (server *RaftServer) handleAppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult, done chan<- error) {
	if args.Term < server.Term {
		result.Term = server.Term
		result.Success = false
		done <- nil
		return
	}
	if args.Term > server.Term {
		server.stepDownToTerm(args.Term, &args.Leader)
	} else if server.State != Follower {
		server.convertToFollower(&args.Leader)
	} else if server.CurrentLeader == nil || *server.CurrentLeader != args.Leader {
		server.CurrentLeader = &args.Leader
		server.leaderHint = &args.Leader
	}
	server.lastLeaderContact = time.Now()
	server.resetElectionTimer()
	result.Term = server.Term

	length, err := server.LogStore.Length()
	if err != nil {
		done <- err
		return
	}

	if args.PrevLogIndex >= length {
		result.Success = false
		result.HasConflict = true
		result.ConflictFirstIndex = length
		done <- nil
		return
	}
	if prevTerm, ok := server.LogStore.TermOf(args.PrevLogIndex); !ok || prevTerm != args.PrevLogTerm {
		result.Success = false
		result.HasConflict = true
		if ok {
			result.ConflictTerm = prevTerm
			result.ConflictFirstIndex = server.firstIndexOfTerm(prevTerm)
		} else {
			result.ConflictFirstIndex = length
		}
		done <- nil
		return
	}

	if len(args.Entries) > 0 {
		server.reconcileEntriesAsync(args.Entries, func(err error) {
			if err != nil {
				done <- err
				return
			}
			server.finishAppendEntries(args, result, done)
		})
		return
	}
	server.finishAppendEntries(args, result, done)
}

// finishAppendEntries runs on the reactor goroutine (either directly from
// handleAppendEntries, or from a later reactor turn via the
// reconcileEntriesAsync continuation) and delivers the final result.
func (server *RaftServer) finishAppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult, done chan<- error) {
	result.Success = true
	if args.LeaderCommitIndex > server.CommitIndex {
		last, err := server.getLastLogEntry()
		if err != nil {
			done <- err
			return
		}
		newCommit := args.LeaderCommitIndex
		if last.Index < newCommit {
			newCommit = last.Index
		}
		server.advanceCommitIndex(newCommit)
	}
	done <- nil
}

// firstIndexOfTerm scans backward from the log's tail to find the first
// index at which term appears, used to populate the AppendEntries
// rejection's conflict hint (§4.6).
func (server *RaftServer) firstIndexOfTerm(term uint64) uint64 {
	length, err := server.LogStore.Length()
	if err != nil || length == 0 {
		return 0
	}
	idx := length - 1
	first := idx
	for {
		t, ok := server.LogStore.TermOf(idx)
		if !ok || t < term {
			break
		}
		if t == term {
			first = idx
		}
		if idx == 0 {
			break
		}
		idx--
	}
	return first
}

// reconcileEntriesAsync truncates any conflicting suffix (§4.7
// "Leader append-only": only the leader never overwrites; followers
// truncate-then-append to match the leader) and submits the durable
// append without blocking the reactor, running cont once it lands.
// Caller must already be running on the reactor goroutine.
func (server *RaftServer) reconcileEntriesAsync(entries []common.LogEntry, cont func(error)) {
	for i, entry := range entries {
		if existingTerm, ok := server.LogStore.TermOf(entry.Index); ok {
			if existingTerm == entry.Term {
				continue
			}
			if err := server.LogStore.TruncateSuffix(entry.Index); err != nil {
				cont(err)
				return
			}
			if err := server.rollbackConfigTo(entry.Index); err != nil {
				cont(err)
				return
			}
		}
		server.appendAsyncContinue(entries[i:], func(err error) {
			if err != nil {
				cont(err)
				return
			}
			for _, e := range entries[i:] {
				if e.Type == common.EntryConfiguration {
					if err := server.applyConfigEntry(e); err != nil {
						cont(err)
						return
					}
				}
			}
			cont(nil)
		})
		return
	}
	cont(nil)
}

// broadcastAppendEntriesLocked sends AppendEntries (or triggers
// InstallSnapshot) to every peer with room in its pipeline. Caller must
// hold server.Mutex.
func (server *RaftServer) broadcastAppendEntriesLocked() {
	if server.State != Leader {
		return
	}
	length, err := server.LogStore.Length()
	if err != nil {
		log.Printf("%v: error reading log length: %+v\n", server.MyID, err)
		return
	}
	snapshotLastIndex := server.Snapshots.LastIncludedIndex()

	for _, v := range server.Config.Servers {
		if v.ID == server.MyID {
			continue
		}
		peer, ok := server.peers[v.ID]
		if !ok {
			continue
		}
		progress := server.Progress[v.ID]
		if progress == nil {
			progress = &peerProgress{nextIndex: length}
			server.Progress[v.ID] = progress
		}
		if progress.inFlight >= server.ClusterConfig.MaxInFlightAppends {
			continue
		}
		if progress.nextIndex <= snapshotLastIndex {
			server.startInstallSnapshot(v.ID, v.NetAddress, peer, progress)
			continue
		}
		server.sendAppendEntries(v.ID, peer, progress, length)
	}
}

func (server *RaftServer) sendAppendEntries(id uuid.UUID, peer common.RPCServer, progress *peerProgress, length uint64) {
	prevIndex := progress.nextIndex - 1
	prevTerm, ok := server.LogStore.TermOf(prevIndex)
	if !ok {
		// Our prefix no longer covers prevIndex (a snapshot raced in);
		// fall back to InstallSnapshot on the next tick.
		return
	}

	var entries []common.LogEntry
	if progress.nextIndex < length {
		batchEnd := progress.nextIndex + 64
		if batchEnd > length {
			batchEnd = length
		}
		for i := progress.nextIndex; i < batchEnd; i++ {
			e, err := server.LogStore.Get(i)
			if err != nil {
				log.Printf("%v: error reading entry %d for replication: %+v\n", server.MyID, i, err)
				return
			}
			entries = append(entries, *e)
		}
	}

	req := common.AppendEntriesRPC{
		Term:              server.Term,
		Leader:            server.MyID,
		PrevLogIndex:      prevIndex,
		PrevLogTerm:       prevTerm,
		Entries:           entries,
		LeaderCommitIndex: server.CommitIndex,
	}
	progress.inFlight++

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		var res common.AppendEntriesRPCResult
		err := peer.AppendEntries(&req, &res)

		server.postToReactor(func() {
			progress.inFlight--
			if server.State != Leader || server.Term != req.Term {
				return
			}
			if err != nil {
				return
			}
			if res.Term > server.Term {
				server.stepDownToTerm(res.Term, nil)
				return
			}
			if res.Success {
				if len(req.Entries) > 0 {
					newMatch := req.Entries[len(req.Entries)-1].Index
					if newMatch > progress.matchIndex {
						progress.matchIndex = newMatch
					}
					if newMatch+1 > progress.nextIndex {
						progress.nextIndex = newMatch + 1
					}
				}
				progress.lastContact = time.Now()
				server.advanceLeaderTouch(id)
				server.advanceCommitIndexFromQuorum()
			} else if res.HasConflict {
				if res.ConflictTerm != 0 {
					progress.nextIndex = res.ConflictFirstIndex
				} else {
					progress.nextIndex = res.ConflictFirstIndex
				}
				if progress.nextIndex == 0 {
					progress.nextIndex = 1
				}
			} else if progress.nextIndex > 1 {
				progress.nextIndex--
			}
		})
	}()
}

// advanceLeaderTouch records that id (a voter) just acknowledged us, and
// updates lastQuorumContact once a quorum of voters has done so recently
// (§4.7 check-quorum).
func (server *RaftServer) advanceLeaderTouch(id uuid.UUID) {
	voters := server.Config.Voters()
	quorum := server.Config.QuorumSize()
	contacted := 1 // ourselves
	now := time.Now()
	for _, v := range voters {
		if v.ID == server.MyID {
			continue
		}
		p := server.Progress[v.ID]
		if p != nil && !p.lastContact.IsZero() && now.Sub(p.lastContact) < server.ClusterConfig.ElectionTimeout {
			contacted++
		}
	}
	if contacted >= quorum {
		server.lastQuorumContact = now
	}
}

// advanceCommitIndexFromQuorum implements the commit-advancement formula
// of §4.6: commit the highest N such that N is in the current term and a
// quorum of matchIndex values (including our own, which is always the log
// tail) are >= N.
func (server *RaftServer) advanceCommitIndexFromQuorum() {
	voters := server.Config.Voters()
	matchIndexes := make([]uint64, 0, len(voters))
	length, err := server.LogStore.Length()
	if err != nil {
		return
	}
	for _, v := range voters {
		if v.ID == server.MyID {
			matchIndexes = append(matchIndexes, length-1)
			continue
		}
		if p, ok := server.Progress[v.ID]; ok {
			matchIndexes = append(matchIndexes, p.matchIndex)
		} else {
			matchIndexes = append(matchIndexes, 0)
		}
	}
	sort.Slice(matchIndexes, func(i, j int) bool { return matchIndexes[i] < matchIndexes[j] })
	// matchIndexes sorted ascending: the value at position (n - quorum) is
	// replicated on at least `quorum` servers.
	n := len(matchIndexes)
	quorum := server.Config.QuorumSize()
	candidate := matchIndexes[n-quorum]
	if candidate <= server.CommitIndex {
		return
	}
	term, ok := server.LogStore.TermOf(candidate)
	if !ok || term != server.Term {
		return // §4.6: never commit a previous term's entry directly
	}
	server.advanceCommitIndex(candidate)
}

func (server *RaftServer) advanceCommitIndex(newCommit uint64) {
	if newCommit <= server.CommitIndex {
		return
	}
	server.CommitIndex = newCommit
	if err := setCommitIndex(server.PersistentStore, server.CommitIndex); err != nil {
		log.Printf("%v: failed to persist commit index: %+v\n", server.MyID, err)
	}
	for server.AppliedIndex < server.CommitIndex {
		entry, err := server.LogStore.Get(server.AppliedIndex + 1)
		if err != nil {
			log.Printf("%v: error reading entry %d to apply: %+v\n", server.MyID, server.AppliedIndex+1, err)
			return
		}
		server.applyEntry(entry)
	}
}
