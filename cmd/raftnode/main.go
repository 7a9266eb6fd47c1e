package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kythira/raft/pkg/grpctransport"
	"github.com/kythira/raft/pkg/log"
	"github.com/kythira/raft/pkg/metrics"
	"github.com/kythira/raft/pkg/raft"
	"github.com/kythira/raft/pkg/raft/boltstore"
	"github.com/kythira/raft/pkg/simtransport"
	"github.com/kythira/raft/pkg/simulator"
	"github.com/kythira/raft/pkg/statemachine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftnode",
	Short: "raftnode - a Raft consensus node and cluster simulator",
	Long: `raftnode runs a single Raft node over a real gRPC transport, or
drives an in-process cluster over a deterministic network simulator for
testing elections, replication, and partition behavior without a network.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"raftnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(statusCmd)
}

// stringFlagOrDefault returns the flag's value if the user set it
// explicitly, otherwise fallback (typically a value loaded from
// --config), otherwise the flag's own default.
func stringFlagOrDefault(cmd *cobra.Command, name, fallback string) string {
	if cmd.Flags().Changed(name) || fallback == "" {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return fallback
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// serve command

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a single Raft node over gRPC",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "YAML node configuration file (flags below override it)")
	serveCmd.Flags().String("id", "", "this node's ID")
	serveCmd.Flags().String("listen", ":7000", "address to listen for Raft RPCs on")
	serveCmd.Flags().StringSlice("peer", nil, "peer in id=host:port form, repeatable")
	serveCmd.Flags().String("data-dir", "./data", "directory for persistent Raft state")
	serveCmd.Flags().String("state-machine", "counter", "state machine to run: counter or register")
	serveCmd.Flags().String("http-listen", ":8080", "address for health and metrics endpoints")
}

// nodeConfig is the YAML shape accepted by --config, mirroring the
// CLI flags it can prime. Explicit flags always win over the file.
type nodeConfig struct {
	ID           string   `yaml:"id"`
	Listen       string   `yaml:"listen"`
	Peers        []string `yaml:"peers"`
	DataDir      string   `yaml:"dataDir"`
	StateMachine string   `yaml:"stateMachine"`
	HTTPListen   string   `yaml:"httpListen"`
}

func loadNodeConfig(path string) (nodeConfig, error) {
	var cfg nodeConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	var fileCfg nodeConfig
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		var err error
		fileCfg, err = loadNodeConfig(configPath)
		if err != nil {
			return err
		}
	}

	id := stringFlagOrDefault(cmd, "id", fileCfg.ID)
	listen := stringFlagOrDefault(cmd, "listen", fileCfg.Listen)
	dataDir := stringFlagOrDefault(cmd, "data-dir", fileCfg.DataDir)
	smName := stringFlagOrDefault(cmd, "state-machine", fileCfg.StateMachine)
	httpListen := stringFlagOrDefault(cmd, "http-listen", fileCfg.HTTPListen)

	peers := fileCfg.Peers
	if cmd.Flags().Changed("peer") {
		peers, _ = cmd.Flags().GetStringSlice("peer")
	}

	if id == "" {
		return fmt.Errorf("node ID required: pass --id or set id in --config")
	}

	logger := log.WithComponent("raftnode")

	var sm raft.StateMachine
	switch smName {
	case "counter":
		sm = statemachine.NewCounter()
	case "register":
		sm = statemachine.NewRegister()
	default:
		return fmt.Errorf("unknown state machine %q (want counter or register)", smName)
	}

	store, err := boltstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening data dir: %w", err)
	}
	defer store.Close()

	members := []raft.NodeID{raft.NodeID(id)}
	registry := grpctransport.NewRegistry()
	for _, p := range peers {
		peerID, addr, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("malformed --peer %q, want id=host:port", p)
		}
		registry.Bind(raft.NodeID(peerID), addr)
		members = append(members, raft.NodeID(peerID))
	}

	client := grpctransport.NewClient(registry, grpc.WithTransportCredentials(insecure.NewCredentials()))
	defer client.Close()

	server, err := grpctransport.NewServer(listen, grpc.Creds(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	cfg := raft.DefaultConfig()
	node := raft.NewNode(raft.NodeID(id), raft.NewClusterConfiguration(members...), client, server, store, sm, cfg)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", false, "starting")

	collector := metrics.NewCollector(node)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	defer node.Stop()

	collector.Start()
	defer collector.Stop()
	metrics.RegisterComponent("raft", true, "running")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: httpListen, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()
	defer httpServer.Close()

	logger.Info().Str("id", id).Str("listen", listen).Str("http", httpListen).Msg("raft node started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	return nil
}

// simulate command

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive an in-process Raft cluster over the deterministic network simulator",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().Int("nodes", 3, "number of nodes in the simulated cluster")
	simulateCmd.Flags().Int64("seed", 1, "simulator PRNG seed")
	simulateCmd.Flags().Duration("duration", 10*time.Second, "how long to run the simulation")
	simulateCmd.Flags().Duration("submit-interval", 200*time.Millisecond, "interval between submitted commands")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	numNodes, _ := cmd.Flags().GetInt("nodes")
	seed, _ := cmd.Flags().GetInt64("seed")
	duration, _ := cmd.Flags().GetDuration("duration")
	submitInterval, _ := cmd.Flags().GetDuration("submit-interval")

	if numNodes < 1 {
		return fmt.Errorf("--nodes must be at least 1")
	}

	logger := log.WithComponent("simulate")

	simCfg := simulator.DefaultConfig()
	simCfg.Seed = seed
	sim := simulator.New(simCfg)

	ids := make([]raft.NodeID, numNodes)
	for i := 0; i < numNodes; i++ {
		ids[i] = raft.NodeID(fmt.Sprintf("node-%d", i))
		sim.AddNode(simulator.Address(ids[i]))
	}

	registry := simtransport.NewRegistry()
	const port simulator.Port = 7000
	for _, id := range ids {
		registry.Bind(id, simulator.Endpoint{Addr: simulator.Address(id), Port: port})
	}

	sim.Start()
	defer sim.Stop()

	cfg := raft.DefaultConfig()
	members := raft.NewClusterConfiguration(ids...)

	nodes := make([]*raft.Node, numNodes)
	for i, id := range ids {
		simNode := sim.CreateNode(simulator.Address(id))
		listener, err := simNode.Bind(port)
		if err != nil {
			return fmt.Errorf("binding simulated node %s: %w", id, err)
		}
		codec := raft.NewJSONCodec()
		client := simtransport.NewClient(simNode, registry, codec)
		server := simtransport.NewServer(listener, codec)
		nodes[i] = raft.NewNode(id, members, client, server, raft.NewMemoryStore(), statemachine.NewCounter(), cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, node := range nodes {
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("starting simulated node: %w", err)
		}
	}
	defer func() {
		for _, node := range nodes {
			node.Stop()
		}
	}()

	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(submitInterval)
	defer ticker.Stop()

	lastLeader := raft.NodeID("")
	counter := 0
	for time.Now().Before(deadline) {
		var leader *raft.Node
		for _, node := range nodes {
			if node.IsLeader() {
				leader = node
				break
			}
		}
		if leader != nil && leader.GetNodeID() != lastLeader {
			lastLeader = leader.GetNodeID()
			logger.Info().Str("leader", string(lastLeader)).Msg("leader elected")
		}
		if leader != nil {
			counter++
			future := leader.SubmitCommand([]byte("INC"), cfg.RPCTimeout)
			if _, err := future.Wait(ctx); err != nil {
				logger.Warn().Err(err).Msg("submit failed")
			}
		}
		<-ticker.C
	}

	logger.Info().Int("commands_submitted", counter).Msg("simulation complete")
	for _, node := range nodes {
		logger.Info().
			Str("id", string(node.GetNodeID())).
			Uint64("term", uint64(node.GetCurrentTerm())).
			Uint64("commit_index", uint64(node.GetCommitIndex())).
			Bool("leader", node.IsLeader()).
			Msg("final node state")
	}

	return nil
}

// status command

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running node's health endpoint",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "http://127.0.0.1:8080", "base URL of a node's http-listen address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	resp, err := http.Get(strings.TrimRight(addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("querying %s: %w", addr, err)
	}
	defer resp.Body.Close()

	fmt.Println("status:", resp.Status)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node reported unhealthy status")
	}
	return nil
}
