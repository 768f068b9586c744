package main

import (
	"flag"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/benchmarks"
	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/kvstore"
	"github.com/sushantsondhi/raftd/kvstore/client"
	"github.com/sushantsondhi/raftd/logstore"
	"github.com/sushantsondhi/raftd/persistent"
	"github.com/sushantsondhi/raftd/raft"
	"github.com/sushantsondhi/raftd/rpc"
	"github.com/sushantsondhi/raftd/snapshot"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
	"io/fs"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"
)

type config struct {
	Cluster          []common.Server
	HeartbeatTimeout int // In milliseconds
	ElectionTimeout  int // In milliseconds
	DataDir          string
}

func runServer(args []string) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	index := flagset.Int("me", -1, "Index of this server in the config file")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	bytes, err := ioutil.ReadFile(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if *index < 0 || *index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", *index, len(cfg.Cluster))
		os.Exit(2)
	}
	var clusterConfig common.ClusterConfig
	clusterConfig.Cluster = cfg.Cluster
	clusterConfig.ElectionTimeout = time.Millisecond * time.Duration(cfg.ElectionTimeout)
	clusterConfig.HeartBeatTimeout = time.Millisecond * time.Duration(cfg.HeartbeatTimeout)
	clusterConfig = common.WithDefaults(clusterConfig)

	me := cfg.Cluster[*index]
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = fmt.Sprintf("%v_data", me.ID)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	logStore, logErr := logstore.Open(filepath.Join(dataDir, "log"), 0)
	metaStore, metaErr := persistent.OpenMetadataStore(filepath.Join(dataDir, "meta"))
	snapshots, snapErr := snapshot.NewEngine(filepath.Join(dataDir, "snapshots"), clusterConfig.SnapshotThreshold)
	boltStore, boltErr := persistent.OpenBoltStore(filepath.Join(dataDir, "kv.db"))
	if err := multierr.Combine(logErr, metaErr, snapErr, boltErr); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	if length, err := logStore.Length(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	} else if length == 0 {
		if err := raft.Bootstrap(logStore, clusterConfig); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}

	fsm, err := kvstore.NewDurableKeyValFSM(boltStore)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	snapshots.RegisterCapture(fsm.Capture)

	manager := rpc.NewManager()
	server, err := raft.NewRaftServer(
		me,
		clusterConfig,
		fsm,
		logStore,
		metaStore,
		snapshots,
		manager,
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := server.Start(me); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	fmt.Println("Stopping server ...")
	if err := server.Stop(); err != nil {
		fmt.Println(err)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	var filepath_, servers, dataDir string
	var electionTimeout, heartbeatTimeout int
	flagset.StringVar(&filepath_, "file", "config.yaml", "full path of config file to write to")
	flagset.StringVar(&servers, "servers", "localhost:12345,localhost:12346,localhost:12347", "comma-seperated list of server addresses of raft servers")
	flagset.StringVar(&dataDir, "dataDir", "", "base directory for this server's on-disk state (defaults to <id>_data)")
	flagset.IntVar(&electionTimeout, "electionTimeout", 200, "value of election timeout (in milliseconds)")
	flagset.IntVar(&heartbeatTimeout, "heartbeatTimeout", 50, "value of heartbeat timeout (in milliseconds)")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	for _, addr := range strings.Split(servers, ",") {
		cfg.Cluster = append(cfg.Cluster, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(addr),
		})
	}
	cfg.HeartbeatTimeout = heartbeatTimeout
	cfg.ElectionTimeout = electionTimeout
	cfg.DataDir = dataDir

	if bytes, err := yaml.Marshal(cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	} else {
		err := ioutil.WriteFile(filepath_, bytes, fs.ModePerm)
		if err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}
}

func runClient(args []string) {
	flagset := flag.NewFlagSet("client", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster details")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	bytes, err := ioutil.ReadFile(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	manager := rpc.NewManager()
	err = client.RunCliClient(cfg.Cluster, manager)
	fmt.Println(err)
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server | client ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "server":
		runServer(args[1:])
	case "client":
		runClient(args[1:])
	case "bench1":
		benchmarks.BenchmarkClientReadWriteThroughput(args[1:])
	case "bench2":
		benchmarks.BenchmarkServerCatchUpTime(args[1:])
	case "bench3":
		benchmarks.BenchmarkParallelClientThroughput(args[1:])
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}
