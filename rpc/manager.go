// Package rpc is the net/rpc-based implementation of common.RPCManager
// and common.RPCServer-facing transport: a Manager listens for inbound
// calls and hands out Peer handles for outbound ones.
//
// One listener serves two protocols, multiplexed on the connection's
// first byte: ordinary net/rpc calls, and the length-prefixed framing
// codec (codec.go/stream.go) used only for chunked InstallSnapshot
// transfers, which don't fit net/rpc's call/reply shape well. A
// StreamPeer always writes streamMagicByte before its first frame, so
// dispatchConn's one-byte peek tells the two apart without consuming
// anything a net/rpc client would have sent.
package rpc

import (
	"bufio"
	"net"
	"net/rpc"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

// Manager is the implementation of common.RPCManager using net/rpc (plus
// the stream transport multiplexed onto the same listener).
type Manager struct {
	mu           sync.Mutex
	peers        []*Peer
	streamPeers  map[common.ServerAddress]*StreamPeer
	disconnected bool
}

var _ common.RPCManager = &Manager{}

// NewManager returns a ready-to-use Manager with no peers connected yet.
func NewManager() *Manager {
	return &Manager{streamPeers: make(map[common.ServerAddress]*StreamPeer)}
}

func (manager *Manager) Start(address common.ServerAddress, server common.RPCServer) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("RPCServer", server); err != nil {
		return err
	}
	streamListener := NewStreamListener(server)

	for {
		listener, err := net.Listen("tcp", string(address))
		if err != nil {
			return err
		}
		for {
			conn, err := listener.Accept()
			if err != nil {
				break
				// Code can only reach here if there was a serious network
				// error preventing the listener from continuing to accept,
				// so we break out and re-establish the listener.
			}
			go manager.dispatchConn(conn, rpcServ, streamListener)
		}
	}
}

// dispatchConn peeks one byte off conn to decide which protocol it
// speaks, then hands it to the matching server without losing that
// peeked byte.
func (manager *Manager) dispatchConn(conn net.Conn, rpcServ *rpc.Server, streamListener *StreamListener) {
	br := bufio.NewReader(conn)
	marker, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}
	buffered := &bufferedConn{Conn: conn, r: br}
	if marker[0] == streamMagicByte {
		br.Discard(1)
		streamListener.handleConn(buffered)
		return
	}
	rpcServ.ServeConn(buffered)
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress, id uuid.UUID) (common.RPCServer, error) {
	peer := NewPeer(address, id)

	manager.mu.Lock()
	peer.disconnected = manager.disconnected
	manager.peers = append(manager.peers, peer)
	manager.mu.Unlock()

	return peer, nil
}

// StreamPeer returns the (possibly cached) stream-transport handle used
// for chunked InstallSnapshot transfers to address, creating one on
// first use.
func (manager *Manager) StreamPeer(address common.ServerAddress) *StreamPeer {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if p, ok := manager.streamPeers[address]; ok {
		return p
	}
	p := NewStreamPeer(address)
	p.setDisconnected(manager.disconnected)
	manager.streamPeers[address] = p
	return p
}

// Disconnect severs every peer connection this Manager has handed out
// and fails fast on any call attempted while disconnected, simulating a
// network partition for tests.
func (manager *Manager) Disconnect() {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.disconnected = true
	for _, p := range manager.peers {
		p.setDisconnected(true)
	}
	for _, p := range manager.streamPeers {
		p.setDisconnected(true)
	}
}

// Reconnect heals a partition created by Disconnect.
func (manager *Manager) Reconnect() {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.disconnected = false
	for _, p := range manager.peers {
		p.setDisconnected(false)
	}
	for _, p := range manager.streamPeers {
		p.setDisconnected(false)
	}
}

// Stop is a no-op for the net/rpc transport: Start's listener is torn
// down by the process exiting, and outstanding Peer/StreamPeer
// connections are simply abandoned.
func (manager *Manager) Stop() error {
	return nil
}
