package peermanager

import (
	"fmt"
	"time"
)

// Constants mirror the defaults enumerated in the peer-manager's external
// interface. They're exported, upper-snake-case constants rather than
// Config fields because they're rarely tuned and several (MAX_RETRY_COUNT,
// REPEATED_CONNECTION_TIMEOUT) are referenced by invariants, not just
// policy.
const (
	MAX_RETRY_COUNT             = 6
	MAX_CONNECTING_TIMEOUT      = 15 * time.Second
	MAX_CONNECTING_MARGIN       = 2
	MAX_RANDOM_NEXT_RETRY       = 30 * time.Second
	REPEATED_CONNECTION_TIMEOUT = 60 * time.Second
	SHORT_ALIVE_SESSION         = 60 * time.Second
	SAME_IP_LIMIT_BAN           = 5 * time.Minute
	GOOD_TRUST_SCORE            = 80.0
)

// Config is the peer manager's full external configuration. CLI/config
// loading is out of scope for this package (cmd/pawd wires these fields
// to viper/cobra flags); Config itself is a plain struct with a
// Default*Config constructor, matching discovery.DiscoveryConfig and
// reputation.ManagerConfig elsewhere in this repository.
type Config struct {
	OurID  PeerID
	PubKey PublicKey

	Bootstraps []BootstrapPeer

	Allowlist     []PeerID
	AllowlistOnly bool

	TrustMetric TrustMetricConfig
	PeerFatalBan time.Duration
	PeerSoftBan  time.Duration

	MaxConnections    uint32
	SameIPConnLimit   uint32
	InboundConnLimit  uint32
	OutboundConnLimit uint32

	RoutineInterval time.Duration
	PeerDatFile     string

	EventBufferSize   int
	CommandBufferSize int
}

// BootstrapPeer is a seed peer inserted (and dialed) at startup.
type BootstrapPeer struct {
	ID        PeerID
	Multiaddrs []Multiaddr
}

// DefaultConfig returns a Config with the constants' companion defaults
// for the tunable fields: max_connections=50, split evenly across
// inbound/outbound, a 10s routine interval, and peer_fatal_ban/
// peer_soft_ban of 30 days / 1 hour respectively (consistent with this
// repo's reputation package, whose ban durations are of the same order).
func DefaultConfig(ourID PeerID, peerDatFile string) Config {
	return Config{
		OurID:             ourID,
		TrustMetric:       DefaultTrustMetricConfig(),
		PeerFatalBan:      30 * 24 * time.Hour,
		PeerSoftBan:       1 * time.Hour,
		MaxConnections:    50,
		SameIPConnLimit:   3,
		InboundConnLimit:  25,
		OutboundConnLimit: 25,
		RoutineInterval:   10 * time.Second,
		PeerDatFile:       peerDatFile,
		EventBufferSize:   256,
		CommandBufferSize: 256,
	}
}

// Validate checks the configuration invariants the spec requires at
// construction time, surfacing a ConfigurationError (by kind, not by a
// dedicated error type) rather than letting the Manager start in an
// inconsistent state.
func (c *Config) Validate() error {
	if c.OurID == "" {
		return fmt.Errorf("peermanager: configuration error: our_id must not be empty")
	}
	if c.InboundConnLimit+c.OutboundConnLimit > c.MaxConnections {
		return fmt.Errorf("peermanager: configuration error: inbound_conn_limit(%d) + outbound_conn_limit(%d) exceeds max_connections(%d)",
			c.InboundConnLimit, c.OutboundConnLimit, c.MaxConnections)
	}
	if c.RoutineInterval <= 0 {
		return fmt.Errorf("peermanager: configuration error: routine_interval must be positive")
	}
	if c.TrustMetric.Interval <= 0 || c.TrustMetric.MaxHistory <= 0 {
		return fmt.Errorf("peermanager: configuration error: peer_trust_config is invalid")
	}
	if c.AllowlistOnly && len(c.Allowlist) == 0 {
		return fmt.Errorf("peermanager: configuration error: allowlist_only requires a non-empty allowlist")
	}
	return nil
}
