package peer

import (
	"net/netip"

	"github.com/prxssh/ccbt/pkg/bitfield"
)

// PieceEngine is the callback surface a piece-selection engine implements
// to integrate with the swarm's wire-level events. internal/piece.Engine
// is the production implementation; Swarm only depends on this interface
// so the two packages don't import each other.
type PieceEngine interface {
	// Bitfield returns our current have-bitfield, sent to peers right
	// after the handshake completes.
	Bitfield() bitfield.Bitfield

	// PieceCount returns the total number of pieces in the torrent,
	// used to size each newly connected Peer's remote bitfield.
	PieceCount() int

	// OnBitfield records a peer's advertised bitfield.
	OnBitfield(addr netip.AddrPort, bf bitfield.Bitfield)

	// OnHave records a single piece announcement from a peer.
	OnHave(addr netip.AddrPort, index int)

	// OnPiece delivers a downloaded block to the engine for
	// reassembly/verification.
	OnPiece(addr netip.AddrPort, index, begin int, block []byte)

	// OnDisconnect releases any per-peer state the engine tracks (e.g.
	// in-flight block assignments) when a connection ends.
	OnDisconnect(addr netip.AddrPort)

	// RequestWork is invoked once a peer unchokes us (or becomes
	// otherwise eligible) so the engine can assign it new block
	// requests.
	RequestWork(addr netip.AddrPort)
}

// PeerSource records how a candidate peer address was discovered, for
// bookkeeping/metrics and for the announce-if-found DHT policy.
type PeerSource uint8

const (
	PeerSourceTracker PeerSource = iota
	PeerSourceDHT
	PeerSourcePEX
)

func (s PeerSource) String() string {
	switch s {
	case PeerSourceTracker:
		return "tracker"
	case PeerSourceDHT:
		return "dht"
	case PeerSourcePEX:
		return "pex"
	default:
		return "unknown"
	}
}

// PeerAddr pairs a candidate peer address with where it came from.
type PeerAddr struct {
	Addr   netip.AddrPort
	Source PeerSource
}
