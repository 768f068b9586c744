package raft

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/snapshot"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ApplyMsg is delivered to a blocked ClientRequest/SubmitCommand call once
// the corresponding log entry has been applied (or has been determined to
// never apply, e.g. because it was truncated away by a new leader).
type ApplyMsg struct {
	Err   error
	Bytes []byte
}

// RaftServer is a single node's consensus state machine, the durable
// log/snapshot/persistent-state handles it drives, and the transport it
// talks to its peers over. RPC handlers and async completions mutate state
// only on the reactor goroutine (see reactor.go), which holds Mutex while
// it runs each job or tick; Start and the membership-change calls
// (membership.go) take Mutex directly from the caller's goroutine.
type RaftServer struct {
	state

	FSM             common.FSM
	LogStore        common.LogStore
	PersistentStore common.PersistentStore
	Snapshots       *snapshot.Engine

	MyID    uuid.UUID
	Manager common.RPCManager
	peers   map[uuid.UUID]common.RPCServer

	ClusterConfig common.ClusterConfig

	Mutex     sync.Mutex
	ApplyChan map[uint64]chan ApplyMsg
	StopChan  chan struct{}
	stopOnce  sync.Once

	// jobs is the reactor's single entry queue: RPC handlers and async
	// completion callbacks post reactorJobs here instead of taking Mutex
	// directly, so their state changes run on runReactor's goroutine
	// (reactor.go).
	jobs chan reactorJob

	watchers        []common.WatchFunc
	restoreCallback func([]byte) error

	errored      atomic.Bool
	Disconnected bool

	wg sync.WaitGroup
}

var _ common.RPCServer = &RaftServer{}

// NewRaftServer constructs a RaftServer from its collaborators. It does not
// start the reactor loop; call Start for that. Use Bootstrap once, on the
// very first node of a brand new cluster, before NewRaftServer is ever
// called against that data directory.
func NewRaftServer(
	me common.Server,
	cluster common.ClusterConfig,
	fsm common.FSM,
	logStore common.LogStore,
	persistentStore common.PersistentStore,
	snapshots *snapshot.Engine,
	manager common.RPCManager,
) (*RaftServer, error) {
	cluster = common.WithDefaults(cluster)

	server := &RaftServer{
		state:           newState(),
		FSM:             fsm,
		LogStore:        logStore,
		PersistentStore: persistentStore,
		Snapshots:       snapshots,
		MyID:            me.ID,
		Manager:         manager,
		peers:           make(map[uuid.UUID]common.RPCServer),
		ClusterConfig:   cluster,
		ApplyChan:       make(map[uint64]chan ApplyMsg),
		StopChan:        make(chan struct{}),
		jobs:            make(chan reactorJob),
	}

	server.Term = getTerm(persistentStore)
	server.VotedFor = getVotedFor(persistentStore)
	server.CommitIndex = getCommitIndex(persistentStore)

	return server, nil
}

// RegisterApplyCallback is an alternative to passing an FSM into
// NewRaftServer, for embedders that want a plain function instead of
// implementing common.FSM.
func (server *RaftServer) RegisterApplyCallback(fn func(common.LogEntry) ([]byte, error)) {
	server.FSM = fsmFunc(fn)
}

type fsmFunc func(common.LogEntry) ([]byte, error)

func (f fsmFunc) Apply(entry common.LogEntry) ([]byte, error) { return f(entry) }

// RegisterSnapshotCaptureCallback registers the function used to capture
// opaque FSM state when a snapshot is taken (§4.3 "Take").
func (server *RaftServer) RegisterSnapshotCaptureCallback(fn func() ([]byte, error)) {
	server.Snapshots.RegisterCapture(fn)
}

// RegisterSnapshotRestoreCallback registers the function used to restore
// FSM state from a snapshot, invoked during Start and during InstallSnapshot.
func (server *RaftServer) RegisterSnapshotRestoreCallback(fn func([]byte) error) {
	server.restoreCallback = fn
}

// restoreFromLatestSnapshot loads the newest snapshot (if any), restores
// FSM state via the registered restore callback, and reconstructs the
// configuration in force at that point; otherwise it reconstructs
// configuration by scanning the log. Called once from Start, after the
// embedder has had a chance to register callbacks.
func (server *RaftServer) restoreFromLatestSnapshot() error {
	meta, err := server.Snapshots.LoadLatest()
	if err != nil {
		return fmt.Errorf("loading latest snapshot: %w", err)
	}
	if meta == nil {
		length, err := server.LogStore.Length()
		if err != nil {
			return fmt.Errorf("reading log length: %w", err)
		}
		for idx := length; idx > 1; idx-- {
			entry, err := server.LogStore.Get(idx - 1)
			if err != nil {
				return fmt.Errorf("scanning log for configuration: %w", err)
			}
			if entry.Type == common.EntryConfiguration {
				return server.applyConfigEntry(*entry)
			}
		}
		return nil
	}
	cfg, err := decodeConfiguration(meta.Configuration)
	if err != nil {
		return fmt.Errorf("decoding snapshot configuration: %w", err)
	}
	server.Config = cfg
	server.ConfigIndex = meta.LastIncludedIndex
	server.AppliedIndex = meta.LastIncludedIndex
	if server.CommitIndex < meta.LastIncludedIndex {
		server.CommitIndex = meta.LastIncludedIndex
	}
	if server.restoreCallback != nil {
		if err := server.restoreCallback(meta.Data); err != nil {
			return fmt.Errorf("restoring fsm from snapshot: %w", err)
		}
	}
	return nil
}

// Bootstrap persists a term-0 sentinel entry at index 0 (see
// common.LogEntry) and the initial configuration at index 1, and must be
// called exactly once, on exactly one node, before that node (or any
// future member added via AddServer) is ever started. Per §6.
func Bootstrap(logStore common.LogStore, cluster common.ClusterConfig) error {
	length, err := logStore.Length()
	if err != nil {
		return err
	}
	if length > 1 {
		return fmt.Errorf("raft: log store already has entries, refusing to bootstrap")
	}
	cfg := bootstrapConfiguration(cluster)
	data, err := encodeConfiguration(cfg)
	if err != nil {
		return err
	}
	return logStore.Append([]common.LogEntry{{
		Index: 0,
		Term:  0,
		Type:  common.EntryBarrier,
	}, {
		Index: 1,
		Term:  0,
		Type:  common.EntryConfiguration,
		Data:  data,
	}})
}

// Start begins serving RPCs and enters the reactor loop. It does not
// block; call Stop to shut down cooperatively. Register callbacks before
// calling Start, since restoreFromLatestSnapshot runs synchronously here.
func (server *RaftServer) Start(me common.Server) error {
	server.Mutex.Lock()
	if err := server.restoreFromLatestSnapshot(); err != nil {
		server.Mutex.Unlock()
		return err
	}
	server.ensurePeerConnections()
	server.replayToCommitIndex()
	server.resetElectionTimer()
	server.Mutex.Unlock()

	// Manager.Start serves for the life of the process, so this goroutine
	// is not tracked by wg (Stop waits on wg).
	go func() {
		if err := server.Manager.Start(me.NetAddress, server); err != nil {
			log.Printf("%v: failed to start RPC transport: %+v\n", server.MyID, err)
		}
	}()

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		server.runReactor()
	}()

	log.Printf("%v: started\n", server.MyID)
	return nil
}

func (server *RaftServer) GetID() uuid.UUID {
	return server.MyID
}

// ClientRequest is the synchronous, blocking entry point the teacher's
// tests and sample FSM use; SubmitCommand (reactor.go) is the
// continuation-based library surface §6 actually specifies. ClientRequest
// is implemented on top of SubmitCommand.
func (server *RaftServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	if server.Disconnected {
		return fmt.Errorf("%v is disconnected", server.MyID)
	}
	done := make(chan struct{})
	var data []byte
	var submitErr error
	server.SubmitCommand(args.Data, func(bytes []byte, err error) {
		data, submitErr = bytes, err
		close(done)
	})
	<-done

	if submitErr != nil {
		result.Success = false
		result.Error = submitErr.Error()
		server.runOnReactor(func() {
			result.LeaderHint = server.leaderHint
		})
		return nil
	}
	result.Success = true
	result.Data = data
	return nil
}

// getLastLogEntry returns the highest-index entry currently stored,
// falling back to the zero sentinel entry when the log is otherwise empty.
func (server *RaftServer) getLastLogEntry() (*common.LogEntry, error) {
	length, err := server.LogStore.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return &common.LogEntry{Index: 0, Term: 0}, nil
	}
	entry, err := server.LogStore.Get(length - 1)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// convertToFollower transitions to Follower. Caller must hold server.Mutex
// (run on the reactor).
func (server *RaftServer) convertToFollower(newLeader *uuid.UUID) {
	if server.State != Follower {
		log.Printf("%v: converting to follower (term %d)\n", server.MyID, server.Term)
	}
	wasLeader := server.State == Leader
	server.State = Follower
	server.CurrentLeader = newLeader
	if newLeader != nil {
		server.leaderHint = newLeader
	}
	server.resetLeaderState()
	server.resetCandidateState()
	server.resetElectionTimer()
	if wasLeader {
		server.failPendingApplies(ErrNotLeader)
	}
	server.fireLeaderChanged()
}

// replayToCommitIndex applies any entries between AppliedIndex and
// CommitIndex to the FSM, used on startup to catch up after a restart
// (§4.3 "Restart").
func (server *RaftServer) replayToCommitIndex() {
	for server.AppliedIndex < server.CommitIndex {
		entry, err := server.LogStore.Get(server.AppliedIndex + 1)
		if err != nil {
			log.Printf("%v: error replaying log entry %d: %+v\n", server.MyID, server.AppliedIndex+1, err)
			return
		}
		server.applyEntry(entry)
	}
}

// applyEntry applies a single entry to the FSM (for command entries) and
// advances AppliedIndex, notifying any blocked ApplyChan waiter. Assumes
// entry.Index == server.AppliedIndex+1.
func (server *RaftServer) applyEntry(entry *common.LogEntry) {
	var bytes []byte
	var err error
	switch entry.Type {
	case common.EntryCommand:
		bytes, err = server.FSM.Apply(*entry)
		if err != nil {
			log.Printf("%v: error applying entry %d to FSM: %+v\n", server.MyID, entry.Index, err)
		}
	case common.EntryConfiguration, common.EntryBarrier:
		// No FSM effect; configuration entries already took effect at
		// append time (§4.4), barrier entries are pure no-ops.
		if entry.Type == common.EntryConfiguration && entry.Index >= server.ConfigIndex {
			server.pendingConfigChange = false
		}
	}
	server.AppliedIndex = entry.Index
	if ch, ok := server.ApplyChan[entry.Index]; ok {
		ch <- ApplyMsg{Err: err, Bytes: bytes}
		delete(server.ApplyChan, entry.Index)
	}
	if server.Snapshots.ShouldTake(server.AppliedIndex) {
		server.takeSnapshot()
	}
}

func (server *RaftServer) takeSnapshot() {
	term, ok := server.LogStore.TermOf(server.AppliedIndex)
	if !ok {
		log.Printf("%v: can't determine term for snapshot at index %d\n", server.MyID, server.AppliedIndex)
		return
	}
	cfgBytes, err := encodeConfiguration(server.Config)
	if err != nil {
		log.Printf("%v: failed to encode configuration for snapshot: %+v\n", server.MyID, err)
		return
	}
	if err := server.Snapshots.Take(server.AppliedIndex, term, cfgBytes); err != nil {
		log.Printf("%v: snapshot failed: %+v\n", server.MyID, err)
		return
	}
	if err := server.LogStore.TruncatePrefix(server.AppliedIndex); err != nil {
		log.Printf("%v: post-snapshot compaction failed: %+v\n", server.MyID, err)
	}
}

// failPendingApplies delivers err to every ApplyChan waiter, used when
// stepping down (their entries may never commit under the old leader) and
// on shutdown (with ErrCancelled).
func (server *RaftServer) failPendingApplies(err error) {
	for index, ch := range server.ApplyChan {
		ch <- ApplyMsg{Err: err}
		delete(server.ApplyChan, index)
	}
}

// Disconnect creates an artificial network partition to disconnect this
// server from its peers (bi-directional). Used by tests.
func (server *RaftServer) Disconnect() {
	server.Disconnected = true
	server.Manager.Disconnect()
}

func (server *RaftServer) Reconnect() {
	server.Disconnected = false
	server.Manager.Reconnect()
}

// Stop stops the raft server cooperatively: every blocked ApplyChan waiter
// is woken with ErrCancelled, Stop waits for the reactor and the goroutines
// it started (in-flight disk writes, outbound RPCs) to return, then closes
// the transport, log store and metadata store.
func (server *RaftServer) Stop() error {
	var err error
	server.stopOnce.Do(func() {
		server.Mutex.Lock()
		close(server.StopChan)
		server.failPendingApplies(ErrCancelled)
		server.Mutex.Unlock()

		server.wg.Wait()

		managerErr := server.Manager.Stop()
		logErr := server.LogStore.Close()
		pErr := server.PersistentStore.Close()
		log.Printf("%v: stopped\n", server.MyID)
		err = multierr.Combine(managerErr, logErr, pErr)
	})
	return err
}

// isShutdown reports whether Stop has been called, without blocking.
func (server *RaftServer) isShutdown() bool {
	select {
	case <-server.StopChan:
		return true
	default:
		return false
	}
}

func randomTimeout(base time.Duration) time.Duration {
	return base + time.Duration(pseudoRandFloat()*float64(base))
}
