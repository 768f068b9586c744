package kvstore

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/logstore"
	"github.com/sushantsondhi/raftd/persistent"
	"github.com/sushantsondhi/raftd/raft"
	"github.com/sushantsondhi/raftd/rpc"
	"github.com/sushantsondhi/raftd/snapshot"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func makeRaftCluster(b *testing.B, dir string, configs ...common.ClusterConfig) (servers []*raft.RaftServer) {
	for i := range configs {
		serverDir := filepath.Join(dir, configs[i].Cluster[i].ID.String())
		assert.NoError(b, os.MkdirAll(serverDir, 0755))

		logStore, err := logstore.Open(filepath.Join(serverDir, "log"), 0)
		assert.NoError(b, err)
		metaStore, err := persistent.OpenMetadataStore(filepath.Join(serverDir, "meta"))
		assert.NoError(b, err)
		snapshots, err := snapshot.NewEngine(filepath.Join(serverDir, "snap"), 0)
		assert.NoError(b, err)
		assert.NoError(b, raft.Bootstrap(logStore, configs[i]))

		raftServer, err := raft.NewRaftServer(configs[i].Cluster[i], configs[i], NewKeyValFSM(), logStore, metaStore, snapshots, rpc.NewManager())
		assert.NoError(b, err)
		assert.NotNil(b, raftServer)
		assert.NoError(b, raftServer.Start(configs[i].Cluster[i]))
		servers = append(servers, raftServer)
	}
	return
}

func generateClusterConfig(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", 12345+i)),
		})
	}
	return common.ClusterConfig{
		Cluster:          servers,
		HeartBeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  200 * time.Millisecond,
	}
}

func verifyElectionSafetyAndLiveness(b *testing.B, servers []*raft.RaftServer) {
	liveness := false
	for i := 0; i < 20; i++ {
		leaders := make(map[uint64][]uuid.UUID)
		for _, server := range servers {
			server.Mutex.Lock()
			if server.State == raft.Leader {
				leaders[server.Term] = append(leaders[server.Term], server.GetID())
			}
			server.Mutex.Unlock()
		}
		for term, ldrs := range leaders {
			fmt.Printf("Term = %d, ldrs = %v\n", term, ldrs)
			assert.LessOrEqualf(b, len(ldrs), 1, "multiple leaders for term %d", term)
			liveness = true
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(b, liveness, "election liveness not satisfied (no leader elected ever)")
}

func spinUpClusterAndGetStoreInterface(b *testing.B, numServers int) (*KVStore, []*raft.RaftServer) {
	dir := b.TempDir()
	clusterConfig := generateClusterConfig(numServers)
	var clusterConfigs []common.ClusterConfig
	for i := 0; i < numServers; i++ {
		clusterConfigs = append(clusterConfigs, clusterConfig)
	}

	raftServers := makeRaftCluster(b, dir, clusterConfigs...)
	verifyElectionSafetyAndLiveness(b, raftServers)
	clientManager := rpc.NewManager()

	store, err := NewKeyValStore(clusterConfig.Cluster, clientManager)
	assert.NoError(b, err)
	return store, raftServers
}

func BenchmarkClient_ReadWriteThroughput(b *testing.B) {
	numServers := 3
	store, _ := spinUpClusterAndGetStoreInterface(b, numServers)
	numRequests := 100

	start := time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		store.Set(key, val)
	}
	elapsed := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers.\n", numRequests, elapsed, numServers)
}

func BenchmarkServer_CatchUpTime(b *testing.B) {
	numServers := 3
	numLogsToCatchUp := 100
	laggingServerIndex := 2

	store, servers := spinUpClusterAndGetStoreInterface(b, numServers)

	servers[laggingServerIndex].Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < numLogsToCatchUp; i++ {
		wg.Add(1)
		reqNumber := i
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key%d", reqNumber)
			val := fmt.Sprintf("val%d", reqNumber)
			store.Set(key, val)
		}()
	}
	wg.Wait()

	servers[laggingServerIndex].Reconnect()

	start := time.Now()
	for {
		logLength, err := servers[laggingServerIndex].LogStore.Length()
		assert.NoError(b, err)
		if int(logLength) == numLogsToCatchUp+1 {
			break
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, numLogsToCatchUp, numServers)
}
