package peermanager

// EventKind discriminates the Event sum type. The taxonomy matches the
// external interface's inbound-event list exactly.
type EventKind int

const (
	EventNewSession EventKind = iota
	EventUnidentifiedSession
	EventSessionClosed
	EventSessionFailed
	EventSessionBlocked
	EventConnectFailed
	EventMisbehave
	EventPeerAlive
	EventDiscoverMultiAddrs
	EventIdentifiedAddrs
	EventRepeatedConnection
	EventAddNewListenAddr
	EventRemoveListenAddr
	EventConnectPeersNow
	EventTrustMetric
)

// Event is the single value type carried over the Manager's input
// channel; Kind determines which fields are meaningful. Constructor
// functions below are the supported way to build one — they make the
// ambiguity of an all-fields struct a non-issue in practice, the way
// discovery.DialResult is always built through one path in the teacher
// package.
type Event struct {
	Kind EventKind

	PeerID PeerID
	PubKey PublicKey
	Ctx    SessionContext

	SessionID uint32

	Addr  Multiaddr
	Addrs []Multiaddr

	ConnErrKind ConnectionErrorKind
	SessErrKind SessionErrorKind
	Misbehavior MisbehaviorKind
	Direction   Direction
	Feedback    TrustFeedback

	PeerIDs []PeerID
}

func NewSessionEvent(pid PeerID, pub PublicKey, ctx SessionContext) Event {
	return Event{Kind: EventNewSession, PeerID: pid, PubKey: pub, Ctx: ctx}
}

func UnidentifiedSessionEvent(pid PeerID, pub PublicKey, ctx SessionContext) Event {
	return Event{Kind: EventUnidentifiedSession, PeerID: pid, PubKey: pub, Ctx: ctx}
}

func SessionClosedEvent(pid PeerID, sid uint32) Event {
	return Event{Kind: EventSessionClosed, PeerID: pid, SessionID: sid}
}

func SessionFailedEvent(sid uint32, kind SessionErrorKind) Event {
	return Event{Kind: EventSessionFailed, SessionID: sid, SessErrKind: kind}
}

func SessionBlockedEvent(ctx SessionContext) Event {
	return Event{Kind: EventSessionBlocked, Ctx: ctx}
}

func ConnectFailedEvent(addr Multiaddr, kind ConnectionErrorKind) Event {
	return Event{Kind: EventConnectFailed, Addr: addr, ConnErrKind: kind}
}

func MisbehaveEvent(pid PeerID, kind MisbehaviorKind) Event {
	return Event{Kind: EventMisbehave, PeerID: pid, Misbehavior: kind}
}

func PeerAliveEvent(pid PeerID) Event {
	return Event{Kind: EventPeerAlive, PeerID: pid}
}

func DiscoverMultiAddrsEvent(addrs []Multiaddr) Event {
	return Event{Kind: EventDiscoverMultiAddrs, Addrs: addrs}
}

func IdentifiedAddrsEvent(pid PeerID, addrs []Multiaddr) Event {
	return Event{Kind: EventIdentifiedAddrs, PeerID: pid, Addrs: addrs}
}

func RepeatedConnectionEvent(ty RepeatedConnectionType, sid uint32, addr Multiaddr) Event {
	return Event{Kind: EventRepeatedConnection, Direction: ty, SessionID: sid, Addr: addr}
}

func AddNewListenAddrEvent(addr Multiaddr) Event {
	return Event{Kind: EventAddNewListenAddr, Addr: addr}
}

func RemoveListenAddrEvent(addr Multiaddr) Event {
	return Event{Kind: EventRemoveListenAddr, Addr: addr}
}

func ConnectPeersNowEvent(pids []PeerID) Event {
	return Event{Kind: EventConnectPeersNow, PeerIDs: pids}
}

func TrustMetricEvent(pid PeerID, feedback TrustFeedback) Event {
	return Event{Kind: EventTrustMetric, PeerID: pid, Feedback: feedback}
}

// CommandKind discriminates the Command sum type emitted to the
// transport.
type CommandKind int

const (
	CommandConnect CommandKind = iota
	CommandDisconnect
)

// Command is an outbound instruction to the transport collaborator.
type Command struct {
	Kind         CommandKind
	Addrs        []Multiaddr
	TargetPeerID PeerID
	SessionID    uint32
}

func connectCommand(target PeerID, addrs []Multiaddr) Command {
	return Command{Kind: CommandConnect, TargetPeerID: target, Addrs: addrs}
}

func disconnectCommand(sid uint32) Command {
	return Command{Kind: CommandDisconnect, SessionID: sid}
}
