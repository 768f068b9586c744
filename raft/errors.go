package raft

import "errors"

// Error kinds per spec §7. These are sentinels compared with errors.Is;
// wrap with fmt.Errorf("...: %w", ErrX) for added context the way the
// teacher's multierr-aggregating call sites already do.
var (
	// ErrNoLeader is returned to a client submitting a command when this
	// follower has no current leader hint at all.
	ErrNoLeader = errors.New("raft: no known leader")
	// ErrNotLeader is returned when this node isn't currently leader; the
	// caller should consult the accompanying leader hint, if any.
	ErrNotLeader = errors.New("raft: not leader")
	// ErrShutdown is returned by any operation on a node that is closing
	// or has closed.
	ErrShutdown = errors.New("raft: server is shutting down")
	// ErrBusy is returned when a membership change is already in progress.
	ErrBusy = errors.New("raft: configuration change already in progress")
	// ErrStaleTerm marks an inbound message from a previous term; handled
	// internally and never surfaced to the embedder.
	ErrStaleTerm = errors.New("raft: stale term")
	// ErrLogConflict marks an AppendEntries rejection due to failed log
	// matching; carries a conflict hint back to the leader.
	ErrLogConflict = errors.New("raft: log conflict")
	// ErrIO marks a disk failure. The node latches into an unavailable
	// state and reports the transition via the watch callback.
	ErrIO = errors.New("raft: io error")
	// ErrCorrupt marks on-disk data that failed a checksum or version
	// check; the node refuses to start.
	ErrCorrupt = errors.New("raft: corrupt on-disk state")
	// ErrCancelled marks an in-flight request terminated by shutdown.
	ErrCancelled = errors.New("raft: request cancelled")
	// ErrNoMemory marks resource exhaustion; the operation fails without
	// mutating any state.
	ErrNoMemory = errors.New("raft: resource exhausted")

	// ErrRangeAcquired names a TruncatePrefix refused because a live lease
	// pins an overlapping range (§4.1 edge case). logstore.Store does not
	// return it; it reports that case with its own unexported error.
	ErrRangeAcquired = errors.New("raft: range is acquired by an in-flight lease")
	// ErrCatchUpTimeout is returned by PromoteServer when the non-voter's
	// match index didn't catch up within the configured round budget.
	ErrCatchUpTimeout = errors.New("raft: catch-up round budget exhausted")
	// ErrWriterFailed names a disk writer latched into an errored state
	// after an I/O failure. logstore's writer does not return it; it
	// reports that state with its own unexported error.
	ErrWriterFailed = errors.New("raft: log writer is in a failed state")
	// ErrUnknownServer is returned by PromoteServer/RemoveServer when the
	// given id isn't a member of the current configuration.
	ErrUnknownServer = errors.New("raft: unknown server id")
	// ErrServerExists is returned by AddServer when the given id is
	// already a member of the current configuration.
	ErrServerExists = errors.New("raft: server is already a member")
	// ErrNotNonVoter is returned by PromoteServer when the given id is a
	// member but not currently a non-voter awaiting promotion.
	ErrNotNonVoter = errors.New("raft: server is not a non-voter")
)
