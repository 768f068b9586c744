package raft

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/kvstore"
	"github.com/sushantsondhi/raftd/logstore"
	"github.com/sushantsondhi/raftd/persistent"
	"github.com/sushantsondhi/raftd/rpc"
	"github.com/sushantsondhi/raftd/snapshot"
)

func makeRaftCluster(t *testing.T, dir string, configs ...common.ClusterConfig) (servers []*RaftServer) {
	for i := range configs {
		serverDir := filepath.Join(dir, configs[i].Cluster[i].ID.String())

		logStore, err := logstore.Open(filepath.Join(serverDir, "log"), 0)
		assert.NoError(t, err)
		metaStore, err := persistent.OpenMetadataStore(filepath.Join(serverDir, "meta"))
		assert.NoError(t, err)
		snapshots, err := snapshot.NewEngine(filepath.Join(serverDir, "snap"), 0)
		assert.NoError(t, err)
		assert.NoError(t, Bootstrap(logStore, configs[i]))

		raftServer, err := NewRaftServer(configs[i].Cluster[i], configs[i], kvstore.NewKeyValFSM(), logStore, metaStore, snapshots, rpc.NewManager())
		assert.NoError(t, err)
		assert.NotNil(t, raftServer)
		assert.NoError(t, raftServer.Start(configs[i].Cluster[i]))
		servers = append(servers, raftServer)
	}
	return
}

func generateClusterConfig(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", 13345+i)),
		})
	}
	return common.ClusterConfig{
		Cluster:          servers,
		HeartBeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  200 * time.Millisecond,
	}
}

func verifyElectionSafetyAndLiveness(t *testing.T, servers []*RaftServer) {
	liveness := false
	for i := 0; i < 20; i++ {
		leaders := make(map[uint64][]uuid.UUID)
		for _, server := range servers {
			server.Mutex.Lock()
			if server.State == Leader {
				leaders[server.Term] = append(leaders[server.Term], server.GetID())
			}
			server.Mutex.Unlock()
		}
		for term, ldrs := range leaders {
			assert.LessOrEqualf(t, len(ldrs), 1, "multiple leaders for term %d", term)
			liveness = true
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, liveness, "election liveness not satisfied (no leader elected ever)")
}

func Test_SimpleElection(t *testing.T) {
	dir := t.TempDir()
	clusterConfig := generateClusterConfig(3)
	servers := makeRaftCluster(t, dir, clusterConfig, clusterConfig, clusterConfig)
	verifyElectionSafetyAndLiveness(t, servers)
}

func Test_ElectionWithoutHeartbeat(t *testing.T) {
	dir := t.TempDir()
	clusterConfig := generateClusterConfig(3)
	clusterConfig.HeartBeatTimeout = 10 * time.Hour
	servers := makeRaftCluster(t, dir, clusterConfig, clusterConfig, clusterConfig)
	verifyElectionSafetyAndLiveness(t, servers)
}

func Test_ReElection(t *testing.T) {
	dir := t.TempDir()
	clusterConfig1 := generateClusterConfig(3)
	clusterConfig2 := clusterConfig1
	clusterConfig3 := clusterConfig1
	// purposefully delay the election timeouts of 2 & 3 to ensure that 1 gets elected as leader first
	clusterConfig2.ElectionTimeout = time.Second
	clusterConfig3.ElectionTimeout = time.Second

	servers := makeRaftCluster(t, dir, clusterConfig1, clusterConfig2, clusterConfig3)
	verifyElectionSafetyAndLiveness(t, servers)
	assert.Equal(t, Leader, servers[0].State)

	// now 1 must have been elected as leader, so we disconnect it from cluster
	servers[0].Disconnect()
	// someone else should be elected as a leader
	verifyElectionSafetyAndLiveness(t, servers)
	assert.True(t, servers[1].State == Leader || servers[2].State == Leader)
	// server 0 will still believe itself a leader, but of an older term
	assert.Equal(t, Leader, servers[0].State)
	assert.Less(t, servers[0].Term, servers[1].Term)

	// now reconnect server 0; it should step down to follower at the newer term
	servers[0].Reconnect()
	verifyElectionSafetyAndLiveness(t, servers)
	assert.Equal(t, Follower, servers[0].State)
	assert.Equal(t, servers[1].Term, servers[0].Term)
}

func Test_ReJoin(t *testing.T) {
	dir := t.TempDir()
	clusterConfig1 := generateClusterConfig(3)
	clusterConfig2 := clusterConfig1
	clusterConfig3 := clusterConfig1
	clusterConfig2.ElectionTimeout = time.Second
	clusterConfig3.ElectionTimeout = time.Second

	servers := makeRaftCluster(t, dir, clusterConfig1, clusterConfig2, clusterConfig3)
	verifyElectionSafetyAndLiveness(t, servers)
	assert.Equal(t, Leader, servers[0].State)

	// disconnect a follower; it should not affect election safety/liveness
	servers[2].Disconnect()
	verifyElectionSafetyAndLiveness(t, servers)
	time.Sleep(3 * time.Second)
	// an isolated node does not advance its term: its reactor skips election
	// timeouts while disconnected, and a pre-vote never bumps the term
	assert.LessOrEqual(t, servers[2].Term, servers[0].Term)
	assert.LessOrEqual(t, servers[2].Term, servers[1].Term)

	servers[2].Reconnect()
	verifyElectionSafetyAndLiveness(t, servers)
}

func jsonHelpers(t *testing.T) (func(key, val string, transactionId uuid.UUID) []byte, func(key string) []byte) {
	setMarshaller := func(key, val string, transactionId uuid.UUID) []byte {
		data, err := json.Marshal(kvstore.Request{
			Type:          kvstore.Set,
			Key:           key,
			Val:           val,
			TransactionId: transactionId,
		})
		assert.NoError(t, err)
		return data
	}

	getMarshaller := func(key string) []byte {
		data, err := json.Marshal(kvstore.Request{
			Type:          kvstore.Get,
			Key:           key,
			TransactionId: uuid.New(),
		})
		assert.NoError(t, err)
		return data
	}
	return setMarshaller, getMarshaller
}

func TestGetAndSetClient(t *testing.T) {
	setMarshaller, getMarshaller := jsonHelpers(t)
	dir := t.TempDir()
	clusterConfig := generateClusterConfig(3)
	servers := makeRaftCluster(t, dir, clusterConfig, clusterConfig, clusterConfig)
	verifyElectionSafetyAndLiveness(t, servers)

	rnd := rand.New(rand.NewSource(1))
	var success bool
	for i := 0; i < 50; i++ {
		rnd.Shuffle(len(servers), func(i, j int) { servers[i], servers[j] = servers[j], servers[i] })

		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)

		req := common.ClientRequestRPC{Data: setMarshaller(key, val, uuid.New())}
		res := common.ClientRequestRPCResult{}
		success = false
		for _, server := range servers {
			err := server.ClientRequest(&req, &res)
			assert.NoError(t, err)
			if res.Success {
				success = true
				break
			}
		}
		assert.Truef(t, success, "set failed")
		assert.Equal(t, "", res.Error)

		req = common.ClientRequestRPC{Data: getMarshaller(key)}
		res = common.ClientRequestRPCResult{}
		success = false
		for _, server := range servers {
			err := server.ClientRequest(&req, &res)
			assert.NoError(t, err)
			if res.Success {
				success = true
				break
			}
		}
		assert.Truef(t, success, "get failed")
		assert.Equal(t, val, string(res.Data))
		assert.Equal(t, "", res.Error)
	}
}

// sendClientSetRequests fires numRequests concurrent Set requests at server.
func sendClientSetRequests(t *testing.T, server *RaftServer, numRequests int, waitToFinish bool) {
	setMarshaller, _ := jsonHelpers(t)
	var wg sync.WaitGroup

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		reqNumber := i
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key%d", reqNumber)
			val := fmt.Sprintf("val%d", reqNumber)

			req := common.ClientRequestRPC{Data: setMarshaller(key, val, uuid.New())}
			res := common.ClientRequestRPCResult{}
			err := server.ClientRequest(&req, &res)
			assert.NoError(t, err, "client request got error")
			assert.Truef(t, res.Success, "set request failed")
			assert.Equal(t, "", res.Error)
		}()
	}

	if waitToFinish {
		wg.Wait()
	}
}

// waitForLogsToMatch polls until the leader's last log entry matches every
// follower's, or waitTimeSeconds elapses.
func waitForLogsToMatch(t *testing.T, servers []*RaftServer, waitTimeSeconds int) {
	var success bool

	for itr := 0; itr < waitTimeSeconds; itr++ {
		for _, server := range servers {
			server.Mutex.Lock()
		}

		var leader *RaftServer
		for _, server := range servers {
			if server.State == Leader {
				leader = server
			}
		}

		if leader == nil {
			for _, server := range servers {
				server.Mutex.Unlock()
			}
			time.Sleep(time.Second)
			continue
		}

		leaderLength, err := leader.LogStore.Length()
		assert.NoError(t, err)
		leaderLastEntry, err := leader.LogStore.Get(leaderLength - 1)
		assert.NoError(t, err)

		matched := true
		for _, server := range servers {
			length, err := server.LogStore.Length()
			assert.NoError(t, err)
			if length != leaderLength {
				matched = false
				continue
			}
			lastEntry, err := server.LogStore.Get(length - 1)
			assert.NoError(t, err)
			if lastEntry.Term != leaderLastEntry.Term || lastEntry.Index != leaderLastEntry.Index {
				matched = false
			}
		}

		for _, server := range servers {
			server.Mutex.Unlock()
		}

		if matched {
			success = true
			break
		}
		time.Sleep(time.Second)
	}

	assert.Truef(t, success, "servers took too long to match up")
}

func checkEqualLogs(t *testing.T, servers []*RaftServer) {
	logLength, err := servers[0].LogStore.Length()
	assert.NoError(t, err)
	for _, server := range servers[1:] {
		l, err := server.LogStore.Length()
		assert.NoError(t, err)
		assert.Equal(t, logLength, l)
	}

	for index := uint64(0); index < logLength; index++ {
		first, err := servers[0].LogStore.Get(index)
		assert.NoError(t, err)
		for _, server := range servers[1:] {
			entry, err := server.LogStore.Get(index)
			assert.NoError(t, err)
			assert.Equal(t, first.Term, entry.Term, "index %d does not match", index)
			assert.Equal(t, first.Index, entry.Index, "index %d does not match", index)
			assert.Equal(t, first.Data, entry.Data, "index %d does not match", index)
		}
	}
}

func Test_LaggingFollower(t *testing.T) {
	// Verifies that a lagging (disconnected) follower is eventually brought
	// up to speed, even without further client requests after it reconnects.
	dir := t.TempDir()
	clusterConfig1 := generateClusterConfig(3)
	clusterConfig2 := clusterConfig1
	clusterConfig3 := clusterConfig1
	clusterConfig2.ElectionTimeout = time.Second
	clusterConfig3.ElectionTimeout = time.Second

	servers := makeRaftCluster(t, dir, clusterConfig1, clusterConfig2, clusterConfig3)
	verifyElectionSafetyAndLiveness(t, servers)
	assert.Equal(t, Leader, servers[0].State, "server[0] not elected as leader")

	sendClientSetRequests(t, servers[0], 10, true)
	servers[2].Disconnect()
	sendClientSetRequests(t, servers[0], 50, true)
	servers[2].Reconnect()

	time.Sleep(time.Second)
	assert.True(t, servers[0].State == Leader || servers[1].State == Leader)
	waitForLogsToMatch(t, servers, 60)
	checkEqualLogs(t, servers)
}
