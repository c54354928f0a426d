package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/benchmarks"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/kvstore"
	"github.com/sushantsondhi/partraft/kvstore/client"
	"github.com/sushantsondhi/partraft/partition"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/rpc"
	"go.uber.org/multierr"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"
)

func loadConfig(path string) (common.FileConfig, protocol.Codec) {
	cfg, err := common.LoadFileConfig(path)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return cfg, codec
}

// startTransport listens on address and knows how to reach every server of the cluster.
func startTransport(id uuid.UUID, address common.ServerAddress, cluster []common.Server) *rpc.Manager {
	manager := rpc.NewManager(id, address)
	for _, server := range cluster {
		manager.AddPeer(server.ID, server.NetAddress)
	}
	if err := manager.Start(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return manager
}

func runServer(args []string) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	index := flagset.Int("me", -1, "Index of this server in the config file")
	join := flagset.String("join", "", "address of a new server joining the cluster (instead of -me)")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg, codec := loadConfig(*configFile)
	var me common.Server
	switch {
	case *join != "":
		me = common.Server{ID: uuid.New(), NetAddress: common.ServerAddress(*join)}
	case *index >= 0 && *index < len(cfg.Cluster):
		me = cfg.Cluster[*index]
	default:
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", *index, len(cfg.Cluster))
		os.Exit(2)
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}

	manager := startTransport(me.ID, me.NetAddress, cfg.Cluster)
	group, err := partition.NewGroup(me, cfg.ClusterConfig(), partition.Options{
		DataDir:         filepath.Join(dataDir, me.ID.String()),
		NewStateMachine: func(common.PartitionID) common.StateMachine { return kvstore.NewKeyValFSM() },
		Codec:           codec,
		Transport:       manager,
	})
	if err != nil {
		fmt.Println(multierr.Append(err, manager.Close()))
		os.Exit(2)
	}
	if *join != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, id := range group.Partitions() {
			server, _ := group.Partition(id)
			if err := server.Join(ctx, me); err != nil {
				fmt.Printf("partition %d: unable to join: %v\n", id, err)
			}
		}
		cancel()
		fmt.Printf("joined as %v at %v\n", me.ID, me.NetAddress)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	fmt.Println("Stopping server ...")
	if err := multierr.Combine(group.Stop(), manager.Close()); err != nil {
		fmt.Println(err)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	var filepath, servers, dataDir, codec string
	var electionTimeout, heartbeatTimeout, partitions int
	flagset.StringVar(&filepath, "file", "config.yaml", "full path of config file to write to")
	flagset.StringVar(&servers, "servers", "localhost:12345,localhost:12346,localhost:12347", "comma-seperated list of server addresses of raft servers")
	flagset.IntVar(&electionTimeout, "electionTimeout", 200, "value of election timeout (in milliseconds)")
	flagset.IntVar(&heartbeatTimeout, "heartbeatTimeout", 50, "value of heartbeat timeout (in milliseconds)")
	flagset.IntVar(&partitions, "partitions", 1, "number of partitions hosted by every server")
	flagset.StringVar(&dataDir, "dataDir", "data", "directory holding the servers' stores")
	flagset.StringVar(&codec, "codec", "gob", "encoding of messages and log entries (gob or json)")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg common.FileConfig
	for _, addr := range strings.Split(servers, ",") {
		cfg.Cluster = append(cfg.Cluster, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(addr),
		})
	}
	cfg.HeartbeatTimeout = heartbeatTimeout
	cfg.ElectionTimeout = electionTimeout
	cfg.Partitions = partitions
	cfg.DataDir = dataDir
	cfg.Codec = codec
	if _, err := protocol.CodecByName(codec); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := cfg.ClusterConfig().Validate(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := cfg.Save(filepath); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

func runClient(args []string) {
	flagset := flag.NewFlagSet("client", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster details")
	listen := flagset.String("listen", "localhost:12400", "address on which the client receives events")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg, codec := loadConfig(*configFile)
	manager := startTransport(uuid.New(), common.ServerAddress(*listen), cfg.Cluster)
	defer manager.Close()
	err := client.RunCliClient(cfg.Cluster, cfg.ClusterConfig().Partitions, manager, codec, os.Stdin, os.Stdout)
	fmt.Println(err)
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server | client | bench1 | bench2 | bench3 ...\n", os.Args[0])
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
