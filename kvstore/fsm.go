package kvstore

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/persistent"
)

// KeyValFSM is the common.FSM implementation backing the key-value
// store. Values are cached in memory for fast Get/Apply; backing, when
// set, durably mirrors every Set so the store can be warmed from disk
// on restart instead of only by replaying the raft log or installing a
// snapshot.
type KeyValFSM struct {
	mu      sync.Mutex
	store   map[string]string
	backing *persistent.BoltStore

	// appliedResult memoizes the outcome of every transaction id seen so
	// far, so that SetWithUUID/GetWithUUID retries after a dropped
	// response never re-apply a command twice.
	appliedResult map[uuid.UUID]fsmResult
}

type fsmResult struct {
	data []byte
	err  string
}

var _ common.FSM = &KeyValFSM{}

var errKeyNotFound = errors.New("key does not exist")

// NewKeyValFSM returns a purely in-memory FSM with no durable backing
// beyond the raft log and snapshots themselves.
func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store:         make(map[string]string),
		appliedResult: make(map[uuid.UUID]fsmResult),
	}
}

// NewDurableKeyValFSM returns a FSM whose applied Set operations are
// mirrored into backing as they're applied, and whose initial state is
// warmed from whatever backing already has on disk (e.g. after a
// restart where the raft log was truncated by compaction and no
// snapshot install is needed because the server never fell behind).
func NewDurableKeyValFSM(backing *persistent.BoltStore) (*KeyValFSM, error) {
	fsm := &KeyValFSM{
		store:         make(map[string]string),
		backing:       backing,
		appliedResult: make(map[uuid.UUID]fsmResult),
	}
	state, err := backing.Snapshot()
	if err != nil {
		return nil, err
	}
	fsm.store = state
	return fsm, nil
}

func (fsm *KeyValFSM) Apply(entry common.LogEntry) ([]byte, error) {
	var request Request
	if err := json.Unmarshal(entry.Data, &request); err != nil {
		return nil, err
	}

	fsm.mu.Lock()
	defer fsm.mu.Unlock()

	var zero uuid.UUID
	if request.TransactionId != zero {
		if cached, ok := fsm.appliedResult[request.TransactionId]; ok {
			return cached.data, resultError(cached.err)
		}
	}

	data, err := fsm.applyLocked(request)

	if request.TransactionId != zero {
		fsm.appliedResult[request.TransactionId] = fsmResult{data: data, err: errString(err)}
	}
	return data, err
}

func (fsm *KeyValFSM) applyLocked(request Request) ([]byte, error) {
	switch request.Type {
	case Set:
		fsm.store[request.Key] = request.Val
		if fsm.backing != nil {
			if err := fsm.backing.Put(request.Key, request.Val); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case Get:
		val, ok := fsm.store[request.Key]
		if !ok {
			return nil, errKeyNotFound
		}
		return []byte(val), nil
	default:
		return nil, errors.New("unknown request type")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func resultError(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}

// Capture serializes the full key-value store for use as a snapshot
// engine's capture callback.
func (fsm *KeyValFSM) Capture() ([]byte, error) {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	return json.Marshal(fsm.store)
}

// Restore replaces the store's contents from a previously captured
// snapshot, clearing transaction memoization since everything before the
// snapshot's index is now summarized rather than individually replayed.
func (fsm *KeyValFSM) Restore(data []byte) error {
	store := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &store); err != nil {
			return err
		}
	}
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	if fsm.backing != nil {
		if err := fsm.backing.ReplaceAll(store); err != nil {
			return err
		}
	}
	fsm.store = store
	fsm.appliedResult = make(map[uuid.UUID]fsmResult)
	return nil
}
