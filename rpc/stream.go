package rpc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sushantsondhi/raftd/common"
)

// streamMagicByte is written once, before any frame, by every StreamPeer
// connection. Manager.dispatchConn peeks a new connection's first byte
// and routes it to StreamListener when it sees this marker, or to
// net/rpc otherwise — letting both protocols share one listener/port.
const streamMagicByte = 0xAF

// bufferedConn adapts a net.Conn whose first byte(s) were already
// consumed into a bufio.Reader back into a plain net.Conn: Read pulls
// from the buffered reader first (replaying anything peeked) and falls
// through to the underlying connection once it's drained.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// StreamPeer ships InstallSnapshot chunks to one remote server directly
// over a long-lived net.Conn, framed by codec.go, instead of through
// net/rpc's call/reply shape — net/rpc would re-resolve the method for
// every chunk of a transfer that can run to many megabytes
// (spec.md §4.9: "net/rpc's call/reply shape cannot express [the chunked
// InstallSnapshot streaming path] well").
type StreamPeer struct {
	address common.ServerAddress

	mu           sync.Mutex
	conn         net.Conn
	r            *bufio.Reader
	disconnected bool
}

// NewStreamPeer creates a StreamPeer with lazy connection: nothing is
// dialed until the first SendChunk.
func NewStreamPeer(address common.ServerAddress) *StreamPeer {
	return &StreamPeer{address: address}
}

// setDisconnected simulates a network partition: while set, SendChunk
// calls fail immediately. Unlike Peer, which closes its client, an
// already-open conn is left open.
func (p *StreamPeer) setDisconnected(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = v
}

func (p *StreamPeer) dial() (net.Conn, *bufio.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return nil, nil, fmt.Errorf("rpc: stream peer %v is disconnected", p.address)
	}
	if p.conn != nil {
		return p.conn, p.r, nil
	}
	conn, err := net.DialTimeout("tcp", string(p.address), 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Write([]byte{streamMagicByte}); err != nil {
		conn.Close()
		return nil, nil, err
	}
	p.conn = conn
	p.r = bufio.NewReader(conn)
	return p.conn, p.r, nil
}

func (p *StreamPeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.r = nil
}

// SendChunk ships one InstallSnapshot chunk and waits for the peer's
// reply frame, redialing once if the connection was stale.
func (p *StreamPeer) SendChunk(args *common.InstallSnapshotRPC) (*common.InstallSnapshotRPCResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, r, err := p.dial()
		if err != nil {
			return nil, err
		}
		if err := writeFrame(conn, MsgInstallSnapshot, args); err != nil {
			p.reset()
			lastErr = err
			continue
		}
		var res common.InstallSnapshotRPCResult
		msgType, err := readFrame(r, &res)
		if err != nil {
			p.reset()
			lastErr = err
			continue
		}
		if msgType != MsgInstallSnapshotResult {
			p.reset()
			return nil, fmt.Errorf("rpc: unexpected message type %d in stream reply", msgType)
		}
		return &res, nil
	}
	return nil, fmt.Errorf("rpc: stream transport to %v unavailable: %w", p.address, lastErr)
}

// Close tears down the persistent connection, if one is open.
func (p *StreamPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.r = nil
	return err
}

// StreamListener accepts incoming streamed InstallSnapshot connections
// and dispatches each chunk frame to server.InstallSnapshot, replying
// with one frame per chunk, until the connection closes.
type StreamListener struct {
	server common.RPCServer
}

// NewStreamListener wraps server for use as a stream-transport target.
func NewStreamListener(server common.RPCServer) *StreamListener {
	return &StreamListener{server: server}
}

// Serve accepts connections on listener until it returns an error (e.g.
// because the listener was closed by Stop).
func (l *StreamListener) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *StreamListener) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var args common.InstallSnapshotRPC
		msgType, err := readFrame(r, &args)
		if err != nil {
			return
		}
		if msgType != MsgInstallSnapshot {
			return
		}
		var res common.InstallSnapshotRPCResult
		if err := l.server.InstallSnapshot(&args, &res); err != nil {
			return
		}
		if err := writeFrame(conn, MsgInstallSnapshotResult, &res); err != nil {
			return
		}
	}
}
