package kvstore

import "github.com/google/uuid"

// RequestType distinguishes the two operations the key-value FSM
// understands.
type RequestType int

const (
	Get RequestType = iota
	Set
)

// Request is the JSON-encoded payload carried inside a raft log entry's
// Data field (and, before that, inside a ClientRequestRPC) for every
// key-value operation submitted through KVStore.
type Request struct {
	Type          RequestType
	Key           string
	Val           string
	TransactionId uuid.UUID
}
