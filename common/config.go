package common

import (
	"time"

	"github.com/google/uuid"
)

// ServerAddress represents a network address of a raft server (hostname:port)
type ServerAddress string

// Server is a single member of a cluster's bootstrap configuration.
type Server struct {
	ID         uuid.UUID
	NetAddress ServerAddress
}

// ClusterConfig specifies configuration information related to a
// raft cluster. This includes tunable properties of the Raft
// protocol itself such as different timeouts.
type ClusterConfig struct {
	Cluster          []Server
	HeartBeatTimeout time.Duration
	ElectionTimeout  time.Duration

	// TickInterval is the coarse reactor tick used to check timers and
	// drain completions. Zero means the default of 15ms is used.
	TickInterval time.Duration

	// SnapshotThreshold is the number of log entries appended since the
	// last snapshot that triggers a new Take.
	SnapshotThreshold int64

	// InstallSnapshotTrailingEntries is the number of log entries kept
	// after a snapshot so that slightly-lagging followers can still be
	// caught up with AppendEntries instead of a full snapshot transfer.
	InstallSnapshotTrailingEntries int64

	// MaxInFlightAppends bounds the number of un-acked AppendEntries
	// batches the leader will pipeline to a single peer.
	MaxInFlightAppends int

	// PromotionRoundBudget bounds how many catch-up replication rounds
	// the leader will run before giving up on promoting a non-voter.
	PromotionRoundBudget int
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.TickInterval == 0 {
		c.TickInterval = 15 * time.Millisecond
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 1024
	}
	if c.InstallSnapshotTrailingEntries == 0 {
		c.InstallSnapshotTrailingEntries = 8192
	}
	if c.MaxInFlightAppends == 0 {
		c.MaxInFlightAppends = 8
	}
	if c.PromotionRoundBudget == 0 {
		c.PromotionRoundBudget = 10
	}
	if c.HeartBeatTimeout == 0 {
		c.HeartBeatTimeout = 100 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 1000 * time.Millisecond
	}
	return c
}

// WithDefaults returns a copy of c with zero-valued tunables replaced by
// the spec's documented defaults.
func WithDefaults(c ClusterConfig) ClusterConfig {
	return c.withDefaults()
}

// Role describes how a server participates in quorum.
type Role int

const (
	Voter Role = iota
	NonVoter
	Spare
)

func (r Role) String() string {
	switch r {
	case Voter:
		return "voter"
	case NonVoter:
		return "non-voter"
	case Spare:
		return "spare"
	default:
		return "unknown"
	}
}

// ConfigServer is one member of a live (runtime) Configuration, as opposed
// to the static bootstrap Server above.
type ConfigServer struct {
	ID         uuid.UUID
	NetAddress ServerAddress
	Role       Role
}

// Configuration is the ordered server set in force at some point of the
// log. It is carried verbatim inside configuration-typed LogEntry payloads.
type Configuration struct {
	Servers []ConfigServer
}

// Voters returns the subset of Servers with Role == Voter.
func (c Configuration) Voters() []ConfigServer {
	var voters []ConfigServer
	for _, s := range c.Servers {
		if s.Role == Voter {
			voters = append(voters, s)
		}
	}
	return voters
}

// QuorumSize returns the number of voters required for a majority.
func (c Configuration) QuorumSize() int {
	return len(c.Voters())/2 + 1
}

// Contains reports whether id is a member (of any role) of the configuration.
func (c Configuration) Contains(id uuid.UUID) bool {
	_, ok := c.Get(id)
	return ok
}

// Get returns the ConfigServer entry for id, if present.
func (c Configuration) Get(id uuid.UUID) (ConfigServer, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ConfigServer{}, false
}

// Clone returns a deep copy safe to mutate independently.
func (c Configuration) Clone() Configuration {
	out := Configuration{Servers: make([]ConfigServer, len(c.Servers))}
	copy(out.Servers, c.Servers)
	return out
}
