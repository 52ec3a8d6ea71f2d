// Package peermanager implements the peer registry, trust scoring and
// connection-admission policy for the node's p2p overlay: it decides who
// stays connected, who gets dialed next, and who gets banned, based on a
// continuously updated trust signal. The underlying transport (secure
// multiplexed sessions) and the protocol handlers that observe peer
// behaviour are external collaborators; this package only consumes the
// events they produce and emits Connect/Disconnect commands in return.
package peermanager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PeerID is an opaque, fixed identity derived from a peer's public key.
// Equality and hashing are by value; there is no meaningful ordering.
type PeerID string

// String renders the peer id as its hex form.
func (id PeerID) String() string { return string(id) }

// PublicKey is the minimal identity surface the peer manager depends on.
// Cryptographic key material and its derivation are out of scope; callers
// supply an implementation and we only ever call PeerID() to validate that
// a claimed pubkey actually belongs to the peer record it's attached to.
type PublicKey interface {
	PeerID() PeerID
	Bytes() []byte
}

// RawPublicKey is a concrete PublicKey backed by raw bytes, with the peer
// id derived as sha256(bytes). It exists so tests and simple callers don't
// need their own PublicKey implementation.
type RawPublicKey struct {
	raw []byte
}

// NewRawPublicKey wraps raw key bytes, deriving the peer id by hashing them.
func NewRawPublicKey(raw []byte) RawPublicKey {
	return RawPublicKey{raw: append([]byte(nil), raw...)}
}

// PeerID implements PublicKey.
func (k RawPublicKey) PeerID() PeerID {
	sum := sha256.Sum256(k.raw)
	return PeerID(hex.EncodeToString(sum[:]))
}

// Bytes implements PublicKey.
func (k RawPublicKey) Bytes() []byte { return append([]byte(nil), k.raw...) }

// Multiaddr is a layered network address: transport, host, port, and an
// optional peer-id suffix. An address with a peer-id suffix is
// "identified" — the manager always pushes the known id before storing
// one internally, so any address that leaves this package is identified.
type Multiaddr struct {
	Transport string
	Host      string
	Port      uint16
	ID        PeerID
}

// HasID reports whether the address carries a peer-id suffix.
func (m Multiaddr) HasID() bool { return m.ID != "" }

// WithID returns a copy of m with its peer-id suffix set to id, unless it
// already carries one (an address never gets re-tagged to a different id).
func (m Multiaddr) WithID(id PeerID) Multiaddr {
	if m.HasID() {
		return m
	}
	m.ID = id
	return m
}

// HostPort is the dialable host:port pair, ignoring identity.
func (m Multiaddr) HostPort() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// String renders the address in libp2p-style multiaddr notation, e.g.
// "/ip4/127.0.0.1/tcp/6000/id/<hex>".
func (m Multiaddr) String() string {
	proto := "ip4"
	if strings.Contains(m.Host, ":") {
		proto = "ip6"
	}
	transport := m.Transport
	if transport == "" {
		transport = "tcp"
	}
	s := fmt.Sprintf("/%s/%s/%s/%d", proto, m.Host, transport, m.Port)
	if m.HasID() {
		s += "/id/" + m.ID.String()
	}
	return s
}

// ParseMultiaddr parses the libp2p-style notation String produces. It is
// intentionally narrow (ip4/ip6 + one transport segment, optional id
// suffix) — enough for the wire shapes this package actually emits and
// consumes; it does not aim to be a general multiaddr parser.
func ParseMultiaddr(s string) (Multiaddr, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 4 {
		return Multiaddr{}, fmt.Errorf("peermanager: malformed multiaddr %q", s)
	}
	switch parts[0] {
	case "ip4", "ip6":
	default:
		return Multiaddr{}, fmt.Errorf("peermanager: unsupported network %q in %q", parts[0], s)
	}
	host := parts[1]
	transport := parts[2]
	port, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return Multiaddr{}, fmt.Errorf("peermanager: bad port in %q: %w", s, err)
	}
	addr := Multiaddr{Transport: transport, Host: host, Port: uint16(port)}
	if len(parts) >= 6 && parts[4] == "id" {
		addr.ID = PeerID(parts[5])
	}
	return addr, nil
}

// Connectedness is the lifecycle state of a peer's connection.
type Connectedness int32

const (
	NotConnected Connectedness = iota
	CanConnect
	Connecting
	Connected
	Unconnectable
)

// String implements fmt.Stringer for log lines and diagnostics.
func (c Connectedness) String() string {
	switch c {
	case NotConnected:
		return "not_connected"
	case CanConnect:
		return "can_connect"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unconnectable:
		return "unconnectable"
	default:
		return "unknown"
	}
}

// Direction records who initiated a session.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// ConnectionErrorKind classifies why an outbound dial failed without ever
// producing a session.
type ConnectionErrorKind int

const (
	ConnErrIO ConnectionErrorKind = iota
	ConnErrDNSResolver
	ConnErrPeerIDNotMatch
	ConnErrSecioHandshake
	ConnErrProtocolHandle
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ConnErrIO:
		return "io"
	case ConnErrDNSResolver:
		return "dns_resolver"
	case ConnErrPeerIDNotMatch:
		return "peer_id_not_match"
	case ConnErrSecioHandshake:
		return "secio_handshake"
	case ConnErrProtocolHandle:
		return "protocol_handle"
	default:
		return "unknown"
	}
}

// SessionErrorKind classifies why a live session died.
type SessionErrorKind int

const (
	SessErrIO SessionErrorKind = iota
	SessErrProtocol
	SessErrUnexpected
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessErrIO:
		return "io"
	case SessErrProtocol:
		return "protocol"
	case SessErrUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// MisbehaviorKind classifies a protocol-level misbehaviour report.
type MisbehaviorKind int

const (
	MisbehaviorPingTimeout MisbehaviorKind = iota
	MisbehaviorPingUnexpect
	MisbehaviorDiscovery
)

func (k MisbehaviorKind) String() string {
	switch k {
	case MisbehaviorPingTimeout:
		return "ping_timeout"
	case MisbehaviorPingUnexpect:
		return "ping_unexpect"
	case MisbehaviorDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// TrustFeedbackKind is the coarse-grained verdict a protocol handler hands
// back about a peer's recent behaviour.
type TrustFeedbackKind int

const (
	FeedbackGood TrustFeedbackKind = iota
	FeedbackNeutral
	FeedbackBad
	FeedbackWorse
	FeedbackFatal
)

func (k TrustFeedbackKind) String() string {
	switch k {
	case FeedbackGood:
		return "good"
	case FeedbackNeutral:
		return "neutral"
	case FeedbackBad:
		return "bad"
	case FeedbackWorse:
		return "worse"
	case FeedbackFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TrustFeedback pairs a verdict with a free-form reason used only for
// logging.
type TrustFeedback struct {
	Kind   TrustFeedbackKind
	Reason string
}

// RepeatedConnectionType distinguishes which side observed the duplicate.
type RepeatedConnectionType = Direction

// SessionContext is the transport-supplied context accompanying a new or
// unidentified session.
type SessionContext struct {
	SessionID uint32
	Addr      Multiaddr
	Direction Direction
}
