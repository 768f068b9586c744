package rpc

import (
	"fmt"
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

// Peer is the implementation of common.RPCServer used for outbound calls
// to another raft node, over net/rpc.
type Peer struct {
	id      uuid.UUID
	address common.ServerAddress

	mu           sync.Mutex
	client       *rpc.Client
	disconnected bool
}

var _ common.RPCServer = &Peer{}

// NewPeer creates a Peer instance with lazy initialization. Actual RPC
// connection is not established until an actual RPC call takes place.
func NewPeer(address common.ServerAddress, id uuid.UUID) *Peer {
	return &Peer{
		id:      id,
		address: address,
	}
}

func (peer *Peer) setDisconnected(v bool) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	peer.disconnected = v
	if v && peer.client != nil {
		peer.client.Close()
		peer.client = nil
	}
}

// call takes care of automatically re-trying on transient failures.
func (peer *Peer) call(method string, args interface{}, result interface{}) (err error) {
	peer.mu.Lock()
	if peer.disconnected {
		peer.mu.Unlock()
		return fmt.Errorf("rpc: peer %v is disconnected", peer.id)
	}
	peer.mu.Unlock()

	for i := 0; i < 3; i++ {
		peer.mu.Lock()
		if peer.disconnected {
			peer.mu.Unlock()
			return fmt.Errorf("rpc: peer %v is disconnected", peer.id)
		}
		client := peer.client
		if client == nil {
			client, err = rpc.Dial("tcp", string(peer.address))
			if err != nil {
				peer.mu.Unlock()
				time.Sleep(time.Second)
				continue
			}
			peer.client = client
		}
		peer.mu.Unlock()

		if err = client.Call(method, args, result); err == io.EOF {
			// likely that connection timed out, retry immediately
			peer.mu.Lock()
			if peer.client == client {
				peer.client.Close()
				peer.client = nil
			}
			peer.mu.Unlock()
			continue
		}
		break
	}
	return
}

func (peer *Peer) GetID() uuid.UUID {
	return peer.id
}

func (peer *Peer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	return peer.call("RPCServer.ClientRequest", args, result)
}

func (peer *Peer) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	return peer.call("RPCServer.RequestVote", args, result)
}

func (peer *Peer) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	return peer.call("RPCServer.AppendEntries", args, result)
}

func (peer *Peer) InstallSnapshot(args *common.InstallSnapshotRPC, result *common.InstallSnapshotRPCResult) error {
	return peer.call("RPCServer.InstallSnapshot", args, result)
}

func (peer *Peer) TimeoutNow(args *common.TimeoutNowRPC, result *common.TimeoutNowRPCResult) error {
	return peer.call("RPCServer.TimeoutNow", args, result)
}
