package raft

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

// appendConfigEntry appends a configuration entry reflecting cfg, applies
// it immediately at append time (§4.4), replicates it, and invokes cont
// once it is either applied (committed) or fails (e.g. truncated away by
// a new leader, or the server shuts down). Caller must hold server.Mutex;
// appendConfigEntry releases it before returning. The durable write itself
// does not block the caller: the rest of the work (applyConfigEntry,
// ApplyChan registration, broadcast) runs later from a reactor job once
// the write lands, via appendAsyncContinue/postToReactor.
func (server *RaftServer) appendConfigEntry(cfg common.Configuration, cont func(error)) {
	data, err := encodeConfiguration(cfg)
	if err != nil {
		server.Mutex.Unlock()
		cont(err)
		return
	}
	length, err := server.LogStore.Length()
	if err != nil {
		server.Mutex.Unlock()
		cont(err)
		return
	}
	entry := common.LogEntry{Index: length, Term: server.Term, Type: common.EntryConfiguration, Data: data}
	server.appendAsyncContinue([]common.LogEntry{entry}, func(err error) {
		if err != nil {
			cont(err)
			return
		}
		if err := server.applyConfigEntry(entry); err != nil {
			cont(err)
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
				cont(msg.Err)
			case <-server.StopChan:
				cont(ErrCancelled)
			}
		}()
	})
	server.Mutex.Unlock()
}

// AddServer adds id (reachable at addr) to the configuration as a
// non-voting member, per §4.4/§6. A subsequent PromoteServer call is
// required to make it a voter.
func (server *RaftServer) AddServer(id uuid.UUID, addr common.ServerAddress, cont func(error)) {
	server.Mutex.Lock()
	if server.isShutdown() {
		server.Mutex.Unlock()
		cont(ErrShutdown)
		return
	}
	if server.State != Leader {
		server.Mutex.Unlock()
		cont(ErrNotLeader)
		return
	}
	if server.pendingConfigChange {
		server.Mutex.Unlock()
		cont(ErrBusy)
		return
	}
	if server.Config.Contains(id) {
		server.Mutex.Unlock()
		cont(ErrServerExists)
		return
	}

	next := server.Config.Clone()
	next.Servers = append(next.Servers, common.ConfigServer{ID: id, NetAddress: addr, Role: common.NonVoter})
	server.appendConfigEntry(next, cont)
}

// PromoteServer runs bounded catch-up rounds against the non-voter id and,
// if its match_index catches up to the leader's log tail within the round
// budget, commits a configuration entry promoting it to voter (§4.4).
func (server *RaftServer) PromoteServer(id uuid.UUID, cont func(error)) {
	server.Mutex.Lock()
	if server.isShutdown() {
		server.Mutex.Unlock()
		cont(ErrShutdown)
		return
	}
	if server.State != Leader {
		server.Mutex.Unlock()
		cont(ErrNotLeader)
		return
	}
	if server.pendingConfigChange {
		server.Mutex.Unlock()
		cont(ErrBusy)
		return
	}
	member, ok := server.Config.Get(id)
	if !ok {
		server.Mutex.Unlock()
		cont(ErrUnknownServer)
		return
	}
	if member.Role != common.NonVoter {
		server.Mutex.Unlock()
		cont(ErrNotNonVoter)
		return
	}
	term := server.Term
	server.pendingConfigChange = true
	server.Mutex.Unlock()

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		caughtUp := server.runCatchUpRounds(id, term)

		server.Mutex.Lock()
		server.pendingConfigChange = false
		if server.State != Leader || server.Term != term {
			server.Mutex.Unlock()
			cont(ErrNotLeader)
			return
		}
		if !caughtUp {
			server.Mutex.Unlock()
			cont(ErrCatchUpTimeout)
			return
		}
		next := server.Config.Clone()
		for i := range next.Servers {
			if next.Servers[i].ID == id {
				next.Servers[i].Role = common.Voter
			}
		}
		server.appendConfigEntry(next, cont)
	}()
}

// runCatchUpRounds replicates to id for up to PromotionRoundBudget rounds,
// each bounded by one election timeout, and reports whether the final
// round's target was reached within its timeout. It polls rather than
// blocks on a condition variable so that it never holds server.Mutex
// across a sleep.
func (server *RaftServer) runCatchUpRounds(id uuid.UUID, term uint64) bool {
	const pollInterval = 10 * time.Millisecond
	for round := 0; round < server.ClusterConfig.PromotionRoundBudget; round++ {
		server.Mutex.Lock()
		if server.State != Leader || server.Term != term {
			server.Mutex.Unlock()
			return false
		}
		target, err := server.LogStore.Length()
		server.Mutex.Unlock()
		if err != nil {
			return false
		}
		if target == 0 {
			target = 1
		}
		targetIndex := target - 1

		deadline := time.Now().Add(server.ClusterConfig.ElectionTimeout)
		for time.Now().Before(deadline) {
			server.Mutex.Lock()
			if server.State != Leader || server.Term != term {
				server.Mutex.Unlock()
				return false
			}
			progress := server.Progress[id]
			reached := progress != nil && progress.matchIndex >= targetIndex
			server.Mutex.Unlock()
			if reached {
				return true
			}
			select {
			case <-server.StopChan:
				return false
			case <-time.After(pollInterval):
			}
		}
		log.Printf("%v: catch-up round %d for %v did not reach index %d within election timeout\n", server.MyID, round, id, targetIndex)
	}
	return false
}

// RemoveServer removes id from the configuration (§4.4/§6). Removing the
// current leader is allowed; it steps down once the removal commits.
func (server *RaftServer) RemoveServer(id uuid.UUID, cont func(error)) {
	server.Mutex.Lock()
	if server.isShutdown() {
		server.Mutex.Unlock()
		cont(ErrShutdown)
		return
	}
	if server.State != Leader {
		server.Mutex.Unlock()
		cont(ErrNotLeader)
		return
	}
	if server.pendingConfigChange {
		server.Mutex.Unlock()
		cont(ErrBusy)
		return
	}
	if !server.Config.Contains(id) {
		server.Mutex.Unlock()
		cont(ErrUnknownServer)
		return
	}

	next := server.Config.Clone()
	filtered := next.Servers[:0]
	for _, s := range next.Servers {
		if s.ID != id {
			filtered = append(filtered, s)
		}
	}
	next.Servers = filtered
	removingSelf := id == server.MyID

	server.appendConfigEntry(next, func(err error) {
		if err == nil && removingSelf {
			server.Mutex.Lock()
			if server.State == Leader {
				server.convertToFollower(nil)
			}
			server.Mutex.Unlock()
		}
		cont(err)
	})
}

// TransferLeadership hands off leadership to the most caught-up voter
// peer via TimeoutNow, then steps down (§6). If no voter peer is caught
// up enough to win an election immediately, it still attempts the
// hand-off to the best candidate available.
func (server *RaftServer) TransferLeadership(cont func(error)) {
	server.Mutex.Lock()
	if server.isShutdown() {
		server.Mutex.Unlock()
		cont(ErrShutdown)
		return
	}
	if server.State != Leader {
		server.Mutex.Unlock()
		cont(ErrNotLeader)
		return
	}

	var target uuid.UUID
	var best uint64
	found := false
	for _, v := range server.Config.Voters() {
		if v.ID == server.MyID {
			continue
		}
		progress := server.Progress[v.ID]
		if progress == nil {
			continue
		}
		if !found || progress.matchIndex > best {
			target = v.ID
			best = progress.matchIndex
			found = true
		}
	}
	if !found {
		server.Mutex.Unlock()
		cont(ErrNoLeader)
		return
	}
	peer, ok := server.peers[target]
	if !ok {
		server.Mutex.Unlock()
		cont(ErrUnknownServer)
		return
	}
	term := server.Term
	server.Mutex.Unlock()

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		var res common.TimeoutNowRPCResult
		err := peer.TimeoutNow(&common.TimeoutNowRPC{Term: term}, &res)

		server.Mutex.Lock()
		if server.State == Leader && server.Term == term {
			server.convertToFollower(nil)
		}
		server.Mutex.Unlock()
		cont(err)
	}()
}
