package session

import "github.com/nsrpc/nsrpc/internal/wire"

// Role is a session-scoped tag governing which procedures each side
// publishes during discovery (§4.G). It replaces the "SERVER / PROXY /
// SERVER_PROXY" role string (DESIGN NOTES §9) with a small sum type.
type Role uint8

const (
	// Origin sessions issue get_registered_functions with all=true and
	// answer with everything (the PROXY role of §6's setup claim).
	Origin Role = iota

	// UpstreamPeer is the role of the side that initiates a connection to
	// a parent node (the SERVER role of §6's setup claim: the initiator
	// is itself a server with locals to publish, not a bare client). It
	// issues discovery with upstream=true, trigger=self.SessionID, and
	// answers with locals plus what it learned from its own downstreams.
	UpstreamPeer

	// DownstreamPeer is the role the accepting side takes on for that
	// same session (the SERVER_PROXY role of §6's setup claim — "the
	// other side of an UPSTREAM-PEER session", §4.G). It issues
	// discovery with upstream=false and answers with locals plus what
	// it learned from its own upstream, minus what it learned from the
	// asking session.
	DownstreamPeer
)

// String returns the human-readable role name.
func (r Role) String() string {
	switch r {
	case Origin:
		return "origin"
	case UpstreamPeer:
		return "upstream-peer"
	case DownstreamPeer:
		return "downstream-peer"
	default:
		return "unknown"
	}
}

// WireType returns the setup-claim "type" string r's session initiator
// sends (§6, §4.G). Only Origin and UpstreamPeer are ever sent: a
// DownstreamPeer never dials out, it is assigned to the accepting side of
// a session whose initiator announced UpstreamPeer.
func (r Role) WireType() string {
	switch r {
	case Origin:
		return wire.RoleProxy
	case UpstreamPeer:
		return wire.RoleServer
	case DownstreamPeer:
		return wire.RoleServerProxy
	default:
		return ""
	}
}

// ParseRole maps a setup-claim "type" string, as seen by the accepting
// side, to the Role that side takes on for this session. A connecting
// peer that announces itself as SERVER (UpstreamPeer) is mirrored back
// as DownstreamPeer (§4.G: "the other side of an UPSTREAM-PEER
// session"); PROXY is mirrored as Origin.
func ParseRole(wireType string) (Role, bool) {
	switch wireType {
	case wire.RoleProxy:
		return Origin, true
	case wire.RoleServer:
		return DownstreamPeer, true
	default:
		return 0, false
	}
}
