package raft

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

// encodeConfiguration gob-encodes a Configuration for storage inside a
// configuration-typed LogEntry payload, the same gob encoding logstore
// uses for its log entry records.
func encodeConfiguration(cfg common.Configuration) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConfiguration(data []byte) (common.Configuration, error) {
	var cfg common.Configuration
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return common.Configuration{}, err
	}
	return cfg, nil
}

// bootstrapConfiguration builds the initial Configuration (all voters) from
// a static ClusterConfig, used by Bootstrap to persist the index-1 entry.
func bootstrapConfiguration(cluster common.ClusterConfig) common.Configuration {
	cfg := common.Configuration{}
	for _, srv := range cluster.Cluster {
		cfg.Servers = append(cfg.Servers, common.ConfigServer{
			ID:         srv.ID,
			NetAddress: srv.NetAddress,
			Role:       common.Voter,
		})
	}
	return cfg
}

// applyConfigEntry installs a decoded configuration entry into volatile
// state immediately, at append time rather than commit time, per §4.4. The
// caller must hold the reactor's confinement (no concurrent mutation).
func (server *RaftServer) applyConfigEntry(entry common.LogEntry) error {
	cfg, err := decodeConfiguration(entry.Data)
	if err != nil {
		return err
	}
	server.Config = cfg
	server.ConfigIndex = entry.Index
	server.pendingConfigChange = entry.Index > server.CommitIndex
	server.ensurePeerConnections()
	return nil
}

// rollbackConfigTo re-derives the active Configuration after a
// TruncateSuffix(from) by walking backwards to the last configuration
// entry at index < from, per §4.4's "if the entry is later truncated,
// configuration is rolled back".
func (server *RaftServer) rollbackConfigTo(from uint64) error {
	if server.ConfigIndex < from {
		return nil
	}
	idx := from - 1
	for idx > 0 {
		entry, err := server.LogStore.Get(idx)
		if err != nil {
			return err
		}
		if entry.Type == common.EntryConfiguration {
			cfg, err := decodeConfiguration(entry.Data)
			if err != nil {
				return err
			}
			server.Config = cfg
			server.ConfigIndex = idx
			server.pendingConfigChange = idx > server.CommitIndex
			server.ensurePeerConnections()
			return nil
		}
		idx--
	}
	// Fell back past index 0: bootstrap configuration never existed yet.
	server.Config = common.Configuration{}
	server.ConfigIndex = 0
	server.pendingConfigChange = false
	return nil
}

// ensurePeerConnections connects to any configuration member we don't yet
// have a live common.RPCServer handle for, and drops handles for members
// that left the configuration.
func (server *RaftServer) ensurePeerConnections() {
	wanted := make(map[uuid.UUID]common.ConfigServer, len(server.Config.Servers))
	for _, s := range server.Config.Servers {
		if s.ID == server.MyID {
			continue
		}
		wanted[s.ID] = s
	}
	for id := range server.peers {
		if _, ok := wanted[id]; !ok {
			delete(server.peers, id)
			delete(server.Progress, id)
		}
	}
	for id, srv := range wanted {
		if _, ok := server.peers[id]; ok {
			continue
		}
		peer, err := server.Manager.ConnectToPeer(srv.NetAddress, id)
		if err != nil {
			// Transient; ensurePeerConnections runs again on the next
			// configuration change, snapshot install or restart.
			continue
		}
		server.peers[id] = peer
		if server.State == Leader {
			length, _ := server.LogStore.Length()
			server.Progress[id] = &peerProgress{nextIndex: length}
		}
	}
}
