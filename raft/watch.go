package raft

import (
	"log"

	"github.com/sushantsondhi/raftd/common"
)

const maxWatchers = 16

// RegisterWatchCallback adds an observer fired synchronously on the
// reactor goroutine whenever leadership or term changes. Per spec §9's
// redesign note, a single global callback slot is too restrictive, so this
// is a small bounded list instead.
func (server *RaftServer) RegisterWatchCallback(fn common.WatchFunc) {
	server.Mutex.Lock()
	defer server.Mutex.Unlock()
	if len(server.watchers) >= maxWatchers {
		log.Printf("%v: watch callback list full, dropping new registration\n", server.MyID)
		return
	}
	server.watchers = append(server.watchers, fn)
}

// fireWatch assumes the caller holds server.Mutex (i.e. runs on the
// reactor), per §4.8 "fire synchronously on the reactor".
func (server *RaftServer) fireWatch(event common.WatchEvent) {
	for _, w := range server.watchers {
		w(event)
	}
}

func (server *RaftServer) fireLeaderChanged() {
	server.fireWatch(common.WatchEvent{
		Kind:     common.LeaderChanged,
		Term:     server.Term,
		LeaderID: server.CurrentLeader,
	})
}

func (server *RaftServer) fireTermChanged() {
	server.fireWatch(common.WatchEvent{
		Kind:     common.TermChanged,
		Term:     server.Term,
		LeaderID: server.CurrentLeader,
	})
}
