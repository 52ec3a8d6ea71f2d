package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/paw-chain/paw/p2p/peermanager"
)

// p2pFileConfig is the `p2p:` section of paw.yaml, the node's YAML
// configuration file. It is read directly by loadP2PFileConfig, not through
// viper, and is the only place allowlisted peer ids are configured.
type p2pFileConfig struct {
	Allowlist []string `yaml:"allowlist"`
}

// loadP2PFileConfig reads the `p2p:` section out of a paw.yaml file. A
// missing file is not an error and yields an empty section.
func loadP2PFileConfig(path string) (p2pFileConfig, error) {
	var out struct {
		P2P p2pFileConfig `yaml:"p2p"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p2pFileConfig{}, nil
		}
		return p2pFileConfig{}, err
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return p2pFileConfig{}, err
	}
	return out.P2P, nil
}

// Flag names for the peer manager core. Config loading and flag parsing stay
// in cmd/pawd, matching the rest of this binary's flags — peermanager.Config
// itself never imports cobra or viper.
const (
	flagP2PMaxConnections  = "p2p.max-connections"
	flagP2PInboundLimit    = "p2p.inbound-conn-limit"
	flagP2POutboundLimit   = "p2p.outbound-conn-limit"
	flagP2PSameIPLimit     = "p2p.same-ip-conn-limit"
	flagP2PAllowlistOnly   = "p2p.allowlist-only"
	flagP2PRoutineInterval = "p2p.routine-interval"
	flagP2PDiagPort        = "p2p.diag-port"
	flagP2PDiagAddress     = "p2p.diag-address"
)

// addP2PFlags registers the peer manager's tunables on startCmd and binds
// them into v, which reads them back from the command line (or their
// defaults); no config file is loaded into v. runStart only logs the
// resulting peermanager.Config; the running core does not take its
// settings from these flags.
func addP2PFlags(startCmd *cobra.Command, v *viper.Viper) {
	flags := startCmd.Flags()
	flags.Uint32(flagP2PMaxConnections, 50, "maximum number of peer connections")
	flags.Uint32(flagP2PInboundLimit, 25, "maximum inbound peer connections")
	flags.Uint32(flagP2POutboundLimit, 25, "maximum outbound peer connections")
	flags.Uint32(flagP2PSameIPLimit, 3, "maximum connections accepted from a single IP")
	flags.Bool(flagP2PAllowlistOnly, false, "reject every peer not on the allowlist")
	flags.Duration(flagP2PRoutineInterval, peermanager.DefaultConfig("", "").RoutineInterval,
		"interval between periodic peer manager maintenance passes")
	flags.Int(flagP2PDiagPort, 26662, "p2p peer diagnostics HTTP port (serves `pawd p2p peers`), 0 to disable")

	for _, name := range []string{
		flagP2PMaxConnections, flagP2PInboundLimit, flagP2POutboundLimit,
		flagP2PSameIPLimit, flagP2PAllowlistOnly, flagP2PRoutineInterval, flagP2PDiagPort,
	} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

// peerManagerConfigFromViper builds a peermanager.Config from bound flag
// values and the paw.yaml `p2p.allowlist` section, layered on top of
// the package defaults.
func peerManagerConfigFromViper(v *viper.Viper, ourID peermanager.PeerID, homeDir string) peermanager.Config {
	cfg := peermanager.DefaultConfig(ourID, filepath.Join(homeDir, "data", "peers.dat"))
	cfg.MaxConnections = v.GetUint32(flagP2PMaxConnections)
	cfg.InboundConnLimit = v.GetUint32(flagP2PInboundLimit)
	cfg.OutboundConnLimit = v.GetUint32(flagP2POutboundLimit)
	cfg.SameIPConnLimit = v.GetUint32(flagP2PSameIPLimit)
	cfg.AllowlistOnly = v.GetBool(flagP2PAllowlistOnly)
	if interval := v.GetDuration(flagP2PRoutineInterval); interval > 0 {
		cfg.RoutineInterval = interval
	}

	fileCfg, err := loadP2PFileConfig(filepath.Join(homeDir, "paw.yaml"))
	if err == nil {
		for _, id := range fileCfg.Allowlist {
			cfg.Allowlist = append(cfg.Allowlist, peermanager.PeerID(id))
		}
	}
	return cfg
}
