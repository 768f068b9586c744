package raft

import (
	"encoding/binary"
	"log"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

// Keys used in the PersistentStore. Kept as the same string-constant style
// the teacher's raft/config.go used, now consolidated here alongside their
// accessors.
const (
	keyTerm        = "term"
	keyVotedFor    = "votedFor"
	keyCommitIndex = "commitIndex"
)

func getTerm(store common.PersistentStore) uint64 {
	raw, err := store.GetDefault([]byte(keyTerm), encodeUint64(0))
	if err != nil {
		log.Printf("error reading term from persistent store: %+v\n", err)
		return 0
	}
	return decodeUint64(raw)
}

func setTerm(store common.PersistentStore, term uint64) error {
	return store.Set([]byte(keyTerm), encodeUint64(term))
}

func getVotedFor(store common.PersistentStore) *uuid.UUID {
	raw, err := store.GetDefault([]byte(keyVotedFor), nil)
	if err != nil {
		log.Printf("error reading votedFor from persistent store: %+v\n", err)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		log.Printf("error parsing votedFor: %+v\n", err)
		return nil
	}
	return &id
}

func setVotedFor(store common.PersistentStore, votedFor *uuid.UUID) error {
	if votedFor == nil {
		return store.Set([]byte(keyVotedFor), nil)
	}
	b, err := votedFor.MarshalBinary()
	if err != nil {
		return err
	}
	return store.Set([]byte(keyVotedFor), b)
}

func getCommitIndex(store common.PersistentStore) uint64 {
	raw, err := store.GetDefault([]byte(keyCommitIndex), encodeUint64(0))
	if err != nil {
		log.Printf("error reading commitIndex from persistent store: %+v\n", err)
		return 0
	}
	return decodeUint64(raw)
}

func setCommitIndex(store common.PersistentStore, index uint64) error {
	return store.Set([]byte(keyCommitIndex), encodeUint64(index))
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
