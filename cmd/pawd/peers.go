package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paw-chain/paw/p2p"
)

// StartP2PDiagServer starts the peer-manager diagnostics HTTP server: a
// single GET /api/p2p/peers route rendering every known peer via
// peermanager.Peer.String(), which pawd p2p peers (below) queries and
// renders as a table. It runs in a background goroutine, mirroring
// StartPrometheusServer's shape.
func StartP2PDiagServer(port int, node *p2p.Node, logger log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/p2p/peers", func(w http.ResponseWriter, r *http.Request) {
		core := node.GetDiscoveryService().GetPeerManagerCore()
		peers := core.Registry().AllPeers()
		lines := make([]string, len(peers))
		for i, p := range peers {
			lines[i] = p.String()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(lines); err != nil {
			logger.Error("failed to encode peer diagnostics", "error", err)
		}
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("p2p diagnostics server error", "error", err)
		}
	}()
}

// newP2PCmd builds the `pawd p2p` diagnostic command tree. Unlike `start`,
// these subcommands are thin HTTP clients against a running node's
// diagnostics server (flagP2PDiagAddress), matching the peers table
// Peer.String()'s doc comment has always promised.
func newP2PCmd(v *viper.Viper) *cobra.Command {
	p2pCmd := &cobra.Command{
		Use:   "p2p",
		Short: "inspect a running node's peer manager",
	}

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "print a diagnostic table of known peers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runP2PPeers(v)
		},
	}
	peersCmd.Flags().String(flagP2PDiagAddress, "http://127.0.0.1:26662", "p2p diagnostics server address")
	_ = v.BindPFlag(flagP2PDiagAddress, peersCmd.Flags().Lookup(flagP2PDiagAddress))

	p2pCmd.AddCommand(peersCmd)
	return p2pCmd
}

func runP2PPeers(v *viper.Viper) error {
	addr := v.GetString(flagP2PDiagAddress)
	resp, err := http.Get(addr + "/api/p2p/peers")
	if err != nil {
		return fmt.Errorf("failed to reach p2p diagnostics server at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("p2p diagnostics server returned %s: %s", resp.Status, body)
	}

	var lines []string
	if err := json.NewDecoder(resp.Body).Decode(&lines); err != nil {
		return fmt.Errorf("failed to decode peer diagnostics: %w", err)
	}

	fmt.Printf("%d known peers\n", len(lines))
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
