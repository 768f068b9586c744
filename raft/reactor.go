package raft

import (
	"time"

	"github.com/sushantsondhi/raftd/common"
)

// reactorJob is one unit of work posted to the reactor's job queue: fn
// runs exclusively on the reactor goroutine, with server.Mutex held, and
// done is closed once fn returns. fn must never block on disk or network
// I/O itself (§5): if it needs to wait on something asynchronous (a
// durable log append, an RPC response), it submits that operation,
// registers a continuation, and returns — the continuation runs in a
// later reactor turn, posted back via postToReactor.
type reactorJob struct {
	fn   func()
	done chan struct{}
}

// runReactor is the single-threaded event loop (§4.8). It multiplexes
// every source of reactor input: the coarse tick (election timeouts,
// heartbeats, check-quorum) and the job queue that RPC handlers and
// async-completion callbacks post to instead of taking server.Mutex
// directly from whatever goroutine they happen to run on. server.Mutex is
// held while a job or tick runs; code outside the reactor that reads or
// changes server state (tests, Start, the membership-change calls in
// membership.go) takes the same Mutex, which is what serializes it with
// the reactor.
func (server *RaftServer) runReactor() {
	ticker := time.NewTicker(server.ClusterConfig.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-server.StopChan:
			return
		case now := <-ticker.C:
			server.Mutex.Lock()
			server.tick(now)
			server.Mutex.Unlock()
		case job := <-server.jobs:
			server.Mutex.Lock()
			job.fn()
			server.Mutex.Unlock()
			close(job.done)
		}
	}
}

// runOnReactor submits fn to run exclusively on the reactor goroutine and
// blocks the calling goroutine until fn has returned. fn runs with
// server.Mutex held; it must not block on I/O (see reactorJob).
func (server *RaftServer) runOnReactor(fn func()) {
	job := reactorJob{fn: fn, done: make(chan struct{})}
	select {
	case server.jobs <- job:
	case <-server.StopChan:
		return
	}
	select {
	case <-job.done:
	case <-server.StopChan:
	}
}

// postToReactor submits fn to run on the reactor goroutine without
// waiting for it to finish. Used by background goroutines delivering an
// async result (durable append, peer RPC response) back onto the single
// mutator, once their own non-reactor waiting is done.
func (server *RaftServer) postToReactor(fn func()) {
	select {
	case server.jobs <- reactorJob{fn: fn, done: make(chan struct{})}:
	case <-server.StopChan:
	}
}

// appendAsyncContinue submits entries to the durable log without
// blocking, then schedules cont to run on the reactor once the write
// completes (§5 "continuation runs in a subsequent reactor turn"). Caller
// must already be running on the reactor goroutine (inside a job's fn)
// and must return immediately after calling this.
func (server *RaftServer) appendAsyncContinue(entries []common.LogEntry, cont func(error)) {
	done := server.LogStore.AppendAsync(entries)
	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		err := <-done
		server.postToReactor(func() { cont(err) })
	}()
}

func (server *RaftServer) tick(now time.Time) {
	if server.Disconnected {
		return
	}

	switch server.State {
	case Leader:
		if now.Sub(server.lastHeartbeatSent) >= server.ClusterConfig.HeartBeatTimeout {
			server.lastHeartbeatSent = now
			server.broadcastAppendEntriesLocked()
		}
		if !server.lastQuorumContact.IsZero() &&
			now.Sub(server.lastQuorumContact) >= server.ClusterConfig.ElectionTimeout {
			// check-quorum: we've lost contact with a majority for a full
			// election timeout, so some other partition may have already
			// elected a new leader. Step down rather than serve stale reads.
			server.convertToFollower(nil)
		}
	case Candidate, Follower:
		if now.After(server.electionDeadline) {
			server.startElection()
		}
	}
}

func (server *RaftServer) resetElectionTimer() {
	server.electionDeadline = time.Now().Add(randomTimeout(server.ClusterConfig.ElectionTimeout))
}

// SubmitCommand is the async library-surface entry point (§6): it appends
// data as a new command entry if this node is leader, replicates it, and
// invokes cont once the entry is applied (or fails). cont may be called
// from a different goroutine than the caller. The validation and append
// submission run on the reactor (via runOnReactor); SubmitCommand itself
// never blocks on the disk write, only on handing the job to the reactor.
func (server *RaftServer) SubmitCommand(data []byte, cont func([]byte, error)) {
	server.runOnReactor(func() {
		if server.isShutdown() || server.Disconnected {
			cont(nil, ErrShutdown)
			return
		}
		if server.State != Leader {
			cont(nil, ErrNotLeader)
			return
		}

		length, err := server.LogStore.Length()
		if err != nil {
			cont(nil, err)
			return
		}
		entry := common.LogEntry{Index: length, Term: server.Term, Type: common.EntryCommand, Data: data}

		server.appendAsyncContinue([]common.LogEntry{entry}, func(err error) {
			if err != nil {
				cont(nil, err)
				return
			}
			ch := make(chan ApplyMsg, 1)
			server.ApplyChan[entry.Index] = ch
			server.broadcastAppendEntriesLocked()

			server.wg.Add(1)
			go func() {
				defer server.wg.Done()
				select {
				case msg := <-ch:
					cont(msg.Bytes, msg.Err)
				case <-server.StopChan:
					cont(nil, ErrCancelled)
				}
			}()
		})
	})
}
