package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paw-chain/paw/p2p"
	"github.com/paw-chain/paw/p2p/peermanager"
	"github.com/paw-chain/paw/p2p/reputation"
)

const (
	flagHome            = "home"
	flagNodeID          = "p2p.node-id"
	flagChainID         = "p2p.chain-id"
	flagListenAddress   = "p2p.listen-address"
	flagSeeds           = "p2p.seeds"
	flagPersistentPeers = "p2p.persistent-peers"
	flagMetricsPort     = "metrics.port"
	flagReputationPort  = "reputation.port"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "pawd",
		Short: "paw peer-to-peer node",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "run the peer-to-peer node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, v)
		},
	}

	flags := startCmd.Flags()
	flags.String(flagHome, ".paw", "data directory")
	flags.String(flagNodeID, "", "this node's peer id")
	flags.String(flagChainID, "paw-mainnet", "chain id advertised during handshakes")
	flags.String(flagListenAddress, "tcp://0.0.0.0:26656", "p2p listen address")
	flags.StringSlice(flagSeeds, nil, "comma-separated seed node addresses")
	flags.StringSlice(flagPersistentPeers, nil, "comma-separated persistent peer addresses")
	flags.Int(flagMetricsPort, 26660, "prometheus metrics port, 0 to disable")
	flags.Int(flagReputationPort, 26661, "reputation diagnostics HTTP port, 0 to disable")
	addP2PFlags(startCmd, v)

	for _, name := range []string{flagHome, flagNodeID, flagChainID, flagListenAddress, flagSeeds, flagPersistentPeers, flagMetricsPort, flagReputationPort} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(startCmd)
	root.AddCommand(newP2PCmd(v))
	return root
}

func runStart(cmd *cobra.Command, v *viper.Viper) error {
	logger := log.NewLogger(os.Stdout)

	homeDir := v.GetString(flagHome)
	nodeID := v.GetString(flagNodeID)
	if nodeID == "" {
		nodeID = "local"
	}

	if port := v.GetInt(flagMetricsPort); port > 0 {
		StartPrometheusServer(port)
	}

	repConfig := reputation.DefaultManagerConfig()

	nodeConfig := p2p.DefaultNodeConfig()
	nodeConfig.NodeID = nodeID
	nodeConfig.ChainID = v.GetString(flagChainID)
	nodeConfig.ListenAddress = v.GetString(flagListenAddress)
	nodeConfig.Seeds = v.GetStringSlice(flagSeeds)
	nodeConfig.PersistentPeers = v.GetStringSlice(flagPersistentPeers)
	nodeConfig.ReputationConfig = repConfig
	nodeConfig.DataDir = homeDir + "/p2p"

	// pmCfg (the p2p.* flags plus the paw.yaml allowlist) is only logged
	// here. The peer manager core that discovery.NewService builds takes
	// its connection limits from nodeConfig's MaxPeers/MaxInboundPeers/
	// MaxOutboundPeers and package defaults for everything else.
	pmCfg := peerManagerConfigFromViper(v, peermanager.PeerID(nodeID), homeDir)
	logger.Info("starting node",
		"node_id", nodeID,
		"chain_id", nodeConfig.ChainID,
		"max_connections", pmCfg.MaxConnections,
		"inbound_limit", pmCfg.InboundConnLimit,
		"outbound_limit", pmCfg.OutboundConnLimit,
	)

	node, err := p2p.NewNode(&nodeConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var repMonitor *reputation.Monitor
	if port := v.GetInt(flagReputationPort); port > 0 {
		if repManager := node.GetReputationManager(); repManager != nil {
			repMonitor = StartReputationServer(port, repManager, logger)
		}
	}

	if port := v.GetInt(flagP2PDiagPort); port > 0 {
		StartP2PDiagServer(port, node, logger)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutting down")
	if repMonitor != nil {
		if err := repMonitor.Close(); err != nil {
			logger.Error("error closing reputation monitor", "error", err)
		}
	}
	return node.Stop()
}
