package benchmarks

import (
	"context"
	"flag"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/kvstore"
	"github.com/sushantsondhi/partraft/partition"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/rpc"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"os"
	"path/filepath"
	"sync"
	"time"
)

func loadConfig(configFile string) common.FileConfig {
	cfg, err := common.LoadFileConfig(configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return cfg
}

func startTransport(address common.ServerAddress, cfg common.FileConfig) *rpc.Manager {
	manager := rpc.NewManager(uuid.New(), address)
	for _, server := range cfg.Cluster {
		manager.AddPeer(server.ID, server.NetAddress)
	}
	if err := manager.Start(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return manager
}

func loadCodec(cfg common.FileConfig) protocol.Codec {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return codec
}

func openStore(cfg common.FileConfig, manager *rpc.Manager) *kvstore.KVStore {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := kvstore.NewKeyValStore(ctx, cfg.Cluster, cfg.ClusterConfig().Partitions, manager, kvstore.Options{
		Timeout: 30 * time.Second,
		Codec:   loadCodec(cfg),
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return store
}

func closeStore(store *kvstore.KVStore, manager *rpc.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := multierr.Combine(store.Close(ctx), manager.Close()); err != nil {
		fmt.Println(err)
	}
}

// runServer starts the server at index in-process, on top of whatever its data directory holds.
func runServer(cfg common.FileConfig, index int) (*partition.Group, *rpc.Manager) {
	if index < 0 || index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", index, len(cfg.Cluster))
		os.Exit(2)
	}
	me := cfg.Cluster[index]
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	manager := rpc.NewManager(me.ID, me.NetAddress)
	for _, server := range cfg.Cluster {
		manager.AddPeer(server.ID, server.NetAddress)
	}
	if err := manager.Start(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	group, err := partition.NewGroup(me, cfg.ClusterConfig(), partition.Options{
		DataDir:         filepath.Join(dataDir, me.ID.String()),
		NewStateMachine: func(common.PartitionID) common.StateMachine { return kvstore.NewKeyValFSM() },
		Codec:           loadCodec(cfg),
		Transport:       manager,
	})
	if err != nil {
		fmt.Println(multierr.Append(err, manager.Close()))
		os.Exit(2)
	}
	return group, manager
}

func BenchmarkClientReadWriteThroughput(args []string) {
	flagset := flag.NewFlagSet("bench1", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	listen := flagset.String("listen", "localhost:12401", "address on which the client receives events")
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)
	manager := startTransport(common.ServerAddress(*listen), cfg)
	store := openStore(cfg, manager)
	defer closeStore(store, manager)
	ctx := context.Background()

	// Write ThroughPut
	fmt.Println("Running Performance Check: Client Read Write Throughput")
	failures := 0
	start := time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if err := store.Set(ctx, key, val); err != nil {
			failures++
		}
	}
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests (%d failed) took %s on %d servers.\n", numRequests, failures, writeTime, len(cfg.Cluster))

	// Read ThroughPut
	failures = 0
	start = time.Now()
	for i := 0; i < numRequests; i++ {
		if _, err := store.Get(ctx, fmt.Sprintf("key%d", i)); err != nil {
			failures++
		}
	}
	readTime := time.Since(start)
	fmt.Printf("[Benchmark] %d read requests (%d failed) took %s on %d servers.\n", numRequests, failures, readTime, len(cfg.Cluster))
}

// BenchmarkServerCatchUpTime writes while one server is down, then starts it
// in-process and measures how long it takes to apply what it missed.
func BenchmarkServerCatchUpTime(args []string) {
	flagset := flag.NewFlagSet("bench2", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	listen := flagset.String("listen", "localhost:12402", "address on which the client receives events")
	var numRequests, laggingServerIndex int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&laggingServerIndex, "laggingServerIndex", 2, "Server index which lags")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)
	manager := startTransport(common.ServerAddress(*listen), cfg)
	store := openStore(cfg, manager)
	defer closeStore(store, manager)

	fmt.Println("Running Performance Check: Server catch up time")
	numLogsToCatchUp := numRequests
	ctx := context.Background()
	for i := 0; i < numLogsToCatchUp; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if err := store.Set(ctx, key, val); err != nil {
			fmt.Println(err)
		}
	}
	targets := store.Indexes()

	group, serverManager := runServer(cfg, laggingServerIndex)
	defer func() {
		if err := multierr.Combine(group.Stop(), serverManager.Close()); err != nil {
			fmt.Println(err)
		}
	}()
	start := time.Now()
	// Assuming correctness
	for id, target := range targets {
		server, _ := group.Partition(id)
		for server.Status().AppliedIndex < target {
			time.Sleep(time.Millisecond)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, numLogsToCatchUp, len(cfg.Cluster))
}

func BenchmarkParallelClientThroughput(args []string) {
	flagset := flag.NewFlagSet("bench3", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	basePort := flagset.Int("basePort", 12410, "first local port used by the clients")
	var numRequests, numClients int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&numClients, "numClients", 10, "Number of concurrent clients")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)

	// Write ThroughPut
	fmt.Println("Running Performance Check: Parallel Client Write Throughput")
	reqsPerThread := numRequests / numClients
	failures := atomic.NewInt64(0)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < numClients; i++ {
		index := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager := startTransport(common.ServerAddress(fmt.Sprintf("localhost:%d", *basePort+index)), cfg)
			store := openStore(cfg, manager)
			defer closeStore(store, manager)
			for i := index * reqsPerThread; i < (index+1)*reqsPerThread; i++ {
				key := fmt.Sprintf("key%d", i)
				val := fmt.Sprintf("val%d", i)
				if err := store.Set(context.Background(), key, val); err != nil {
					failures.Inc()
				}
			}
		}()
	}
	wg.Wait()
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests (%d failed) by %d clients took %s on %d servers.\n",
		reqsPerThread*numClients, failures.Load(), numClients, writeTime, len(cfg.Cluster))
}
