package raft

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/rpc"
)

// snapshotChunkSize bounds how much of a snapshot file InstallSnapshot
// ships per RPC, keeping any single call's payload modest regardless of
// total snapshot size.
const snapshotChunkSize = 256 * 1024

// startInstallSnapshot begins (or continues) shipping the current
// snapshot to a peer whose nextIndex has fallen behind our retained log
// prefix. Caller must hold server.Mutex.
func (server *RaftServer) startInstallSnapshot(id uuid.UUID, addr common.ServerAddress, peer common.RPCServer, progress *peerProgress) {
	if progress.snapshotting {
		return
	}
	meta, err := server.Snapshots.LoadLatest()
	if err != nil || meta == nil {
		log.Printf("%v: no snapshot available to send to %v: %+v\n", server.MyID, id, err)
		return
	}
	progress.snapshotting = true
	progress.inFlight++

	term := server.Term
	leader := server.MyID

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		err := server.sendSnapshot(addr, peer, term, leader, meta)

		server.postToReactor(func() {
			progress.inFlight--
			progress.snapshotting = false
			if server.State != Leader || server.Term != term {
				return
			}
			if err != nil {
				log.Printf("%v: InstallSnapshot to %v failed: %+v\n", server.MyID, id, err)
				return
			}
			progress.nextIndex = meta.LastIncludedIndex + 1
			progress.matchIndex = meta.LastIncludedIndex
			progress.lastContact = time.Now()
			server.advanceLeaderTouch(id)
			server.advanceCommitIndexFromQuorum()
		})
	}()
}

// sendSnapshot ships meta's payload in snapshotChunkSize pieces. When the
// configured Manager exposes the stream transport (rpc.Manager does), each
// chunk goes over that long-lived, frame-codec connection (§4.9) instead of
// net/rpc's call/reply shape, which would re-resolve the method on every
// chunk of what can be a many-megabyte transfer. Managers that don't expose
// StreamPeer (e.g. a test double) fall back to peer.InstallSnapshot.
func (server *RaftServer) sendSnapshot(addr common.ServerAddress, peer common.RPCServer, term uint64, leader uuid.UUID, meta *common.SnapshotMeta) error {
	sendChunk := func(req *common.InstallSnapshotRPC) (*common.InstallSnapshotRPCResult, error) {
		var res common.InstallSnapshotRPCResult
		if err := peer.InstallSnapshot(req, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
	if mgr, ok := server.Manager.(*rpc.Manager); ok {
		sendChunk = mgr.StreamPeer(addr).SendChunk
	}

	data := meta.Data
	offset := 0
	for {
		end := offset + snapshotChunkSize
		done := end >= len(data)
		if done {
			end = len(data)
		}
		req := common.InstallSnapshotRPC{
			Term:              term,
			Leader:            leader,
			LastIncludedIndex: meta.LastIncludedIndex,
			LastIncludedTerm:  meta.LastIncludedTerm,
			Configuration:     meta.Configuration,
			Offset:            int64(offset),
			Data:              data[offset:end],
			Done:              done,
		}
		res, err := sendChunk(&req)
		if err != nil {
			return err
		}
		if res.Term > term {
			server.runOnReactor(func() {
				if res.Term > server.Term {
					server.stepDownToTerm(res.Term, nil)
				}
			})
			return ErrStaleTerm
		}
		if done {
			return nil
		}
		offset = end
	}
}

// InstallSnapshot implements the InstallSnapshot RPC (§4.3 "Install"):
// chunks are buffered into a temp file and swapped into place on the
// final chunk, at which point the log prefix covered by the snapshot is
// discarded and FSM state is restored from it.
func (server *RaftServer) InstallSnapshot(args *common.InstallSnapshotRPC, result *common.InstallSnapshotRPCResult) error {
	if server.Disconnected {
		return ErrShutdown
	}
	var stale bool
	server.runOnReactor(func() {
		if args.Term < server.Term {
			result.Term = server.Term
			stale = true
			return
		}
		if args.Term > server.Term {
			server.stepDownToTerm(args.Term, &args.Leader)
		} else if server.State != Follower {
			server.convertToFollower(&args.Leader)
		}
		server.lastLeaderContact = time.Now()
		server.resetElectionTimer()
		result.Term = server.Term
	})
	if stale {
		return nil
	}

	if err := server.Snapshots.WriteChunk(args.LastIncludedIndex, args.LastIncludedTerm, args.Configuration, args.Offset, args.Data, args.Done); err != nil {
		return err
	}
	if !args.Done {
		return nil
	}

	var resultErr error
	server.runOnReactor(func() {
		if args.Term < server.Term {
			return
		}

		cfg, err := decodeConfiguration(args.Configuration)
		if err != nil {
			resultErr = err
			return
		}
		server.Config = cfg
		server.ConfigIndex = args.LastIncludedIndex
		if err := server.LogStore.TruncatePrefix(args.LastIncludedIndex); err != nil {
			log.Printf("%v: failed to truncate log prefix after InstallSnapshot: %+v\n", server.MyID, err)
		}
		server.AppliedIndex = args.LastIncludedIndex
		if server.CommitIndex < args.LastIncludedIndex {
			server.CommitIndex = args.LastIncludedIndex
		}
		if server.restoreCallback != nil {
			meta, err := server.Snapshots.LoadLatest()
			if err != nil {
				resultErr = err
				return
			}
			if meta != nil {
				if err := server.restoreCallback(meta.Data); err != nil {
					resultErr = err
					return
				}
			}
		}
		server.ensurePeerConnections()
	})
	return resultErr
}

// TimeoutNow implements the TimeoutNow RPC used by TransferLeadership
// (§6): it asks the recipient to start an election immediately, skipping
// the usual randomized wait, bypassing the pre-vote check since the
// current leader vouches for it being caught up.
func (server *RaftServer) TimeoutNow(args *common.TimeoutNowRPC, result *common.TimeoutNowRPCResult) error {
	if server.Disconnected {
		return ErrShutdown
	}
	server.runOnReactor(func() {
		if args.Term < server.Term {
			result.Term = server.Term
			return
		}
		if args.Term > server.Term {
			server.Term = args.Term
			if err := setTerm(server.PersistentStore, server.Term); err != nil {
				log.Printf("%v: failed to persist term: %+v\n", server.MyID, err)
			}
		}
		result.Term = server.Term
		server.convertToCandidate()
	})
	return nil
}
