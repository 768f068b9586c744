package rpc_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/rpc"
)

// testServer is a mock implementation of common.RPCServer for exercising
// the transport without a real RaftServer.
type testServer struct{}

func (testServer) GetID() uuid.UUID {
	return uuid.Nil
}

func (testServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	result.Success = true
	return nil
}

func (testServer) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	return fmt.Errorf("encountered some error")
}

func (testServer) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	panic("implement me")
}

func (testServer) InstallSnapshot(args *common.InstallSnapshotRPC, result *common.InstallSnapshotRPCResult) error {
	panic("implement me")
}

func (testServer) TimeoutNow(args *common.TimeoutNowRPC, result *common.TimeoutNowRPCResult) error {
	panic("implement me")
}

func Test_CreateRaftServers(t *testing.T) {
	// verifies that several Managers can each bind and start listening
	// concurrently without interfering with one another.
	for i := 0; i < 10; i++ {
		i := i
		go func() {
			manager := rpc.NewManager()
			err := manager.Start(common.ServerAddress(fmt.Sprintf(":%d", 21234+i)), testServer{})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(time.Second)
}

func Test_CanConnect(t *testing.T) {
	manager := rpc.NewManager()
	go func() {
		err := manager.Start(common.ServerAddress(":21300"), testServer{})
		assert.NoError(t, err)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// lazy connect: even if the server isn't listening yet, this
			// does not fail up front; call() retries internally.
			peer, err := manager.ConnectToPeer(common.ServerAddress(":21300"), uuid.New())
			assert.NoError(t, err)

			var res1 common.ClientRequestRPCResult
			err = peer.ClientRequest(&common.ClientRequestRPC{Data: []byte("asdf")}, &res1)
			assert.NoError(t, err)
			assert.True(t, res1.Success)

			var res2 common.RequestVoteRPCResult
			err = peer.RequestVote(&common.RequestVoteRPC{}, &res2)
			assert.EqualError(t, err, "encountered some error")
		}()
	}
	wg.Wait()
}

func Test_DisconnectAndReconnect(t *testing.T) {
	manager := rpc.NewManager()
	go func() {
		err := manager.Start(common.ServerAddress(":21301"), testServer{})
		assert.NoError(t, err)
	}()
	time.Sleep(100 * time.Millisecond)

	peer, err := manager.ConnectToPeer(common.ServerAddress(":21301"), uuid.New())
	assert.NoError(t, err)

	var res common.ClientRequestRPCResult
	assert.NoError(t, peer.ClientRequest(&common.ClientRequestRPC{}, &res))
	assert.True(t, res.Success)

	manager.Disconnect()
	err = peer.ClientRequest(&common.ClientRequestRPC{}, &res)
	assert.Error(t, err)

	manager.Reconnect()
	assert.NoError(t, peer.ClientRequest(&common.ClientRequestRPC{}, &res))
	assert.True(t, res.Success)
}
