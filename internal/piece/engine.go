package piece

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/prxssh/ccbt/internal/config"
	"github.com/prxssh/ccbt/pkg/bitfield"
	"golang.org/x/sync/semaphore"
)

// Disk is the storage surface the engine writes verified pieces to and
// reads pieces from for seeding. internal/diskio.Store is the production
// implementation; Engine only depends on this interface so the two
// packages don't import each other.
type Disk interface {
	WritePiece(index uint32, data []byte) error
	ReadPiece(index uint32, buf []byte) error
}

// VerifiedFunc is invoked once a piece's hash has been checked, success or
// failure, so callers (checkpoint persistence, stats) can react.
type VerifiedFunc func(index uint32, ok bool)

// requestSender dispatches a block request to a specific peer connection.
// Wired in by internal/peer.Swarm via the optional RequestSenderSetter
// interface below, since Engine has no direct handle on live connections.
type requestSender func(addr netip.AddrPort, pieceIdx, begin, length uint32)
type cancelSender func(addr netip.AddrPort, pieceIdx, begin, length uint32)

// EngineOpts configures a new Engine.
type EngineOpts struct {
	PieceHashes [][sha1.Size]byte
	PieceLength uint32
	TotalSize   uint64
	Disk        Disk
	Logger      *slog.Logger
	OnVerified  VerifiedFunc
}

// Engine consolidates piece selection (rarest-first/sequential/random/
// streaming, with an endgame duplicate-request fallback), block reassembly,
// and SHA-1 hash verification behind the peer.PieceEngine interface. No
// SHA-256 (v2) piece hash is verified. It owns no network connections; it calls back into the swarm
// through requestSender/cancelSender to actually move bytes on the wire.
type Engine struct {
	manager *Manager
	disk    Disk
	logger  *slog.Logger
	verify  VerifiedFunc

	have bitfield.Bitfield

	mut          sync.Mutex
	remoteBF     map[netip.AddrPort]bitfield.Bitfield
	inflight     map[netip.AddrPort][]*BlockInfo
	availability *availabilityIndex
	streamCursor uint32

	reassembleMut sync.Mutex
	reassembly    map[uint32]*pieceBuf

	verifySem *semaphore.Weighted

	sendRequest requestSender
	sendCancel  cancelSender
}

type pieceBuf struct {
	size     int
	received int
	blocks   map[uint32][]byte
}

func NewEngine(opts *EngineOpts) (*Engine, error) {
	if err := validateOpts(opts); err != nil {
		return nil, err
	}

	manager, err := NewManager(opts.PieceHashes, opts.PieceLength, opts.TotalSize, opts.Logger)
	if err != nil {
		return nil, err
	}

	workers := config.Load().HashWorkerCount
	if workers <= 0 {
		workers = 4
	}

	return &Engine{
		manager:      manager,
		disk:         opts.Disk,
		logger:       opts.Logger.With("component", "piece_engine"),
		verify:       opts.OnVerified,
		have:         bitfield.New(len(opts.PieceHashes)),
		remoteBF:     make(map[netip.AddrPort]bitfield.Bitfield),
		inflight:     make(map[netip.AddrPort][]*BlockInfo),
		availability: newAvailabilityIndex(len(opts.PieceHashes)),
		reassembly:   make(map[uint32]*pieceBuf),
		verifySem:    semaphore.NewWeighted(int64(workers)),
	}, nil
}

// SetRequestSender lets internal/peer.Swarm wire the engine to live peer
// connections without the two packages importing each other.
func (e *Engine) SetRequestSender(fn func(addr netip.AddrPort, pieceIdx, begin, length uint32)) {
	e.sendRequest = fn
}

// SetCancelSender wires the callback used to cancel redundant in-flight
// requests once a block completes via another peer (endgame mode).
func (e *Engine) SetCancelSender(fn func(addr netip.AddrPort, pieceIdx, begin, length uint32)) {
	e.sendCancel = fn
}

func (e *Engine) Bitfield() bitfield.Bitfield {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.have.Clone()
}

func (e *Engine) PieceCount() int {
	return int(e.manager.PieceCount())
}

// ResumeVerifiedPieces marks the given piece indices as already verified
// without re-hashing them, trusting a loaded checkpoint's record of which
// pieces are known-good on disk.
func (e *Engine) ResumeVerifiedPieces(indices []uint32) {
	e.mut.Lock()
	for _, idx := range indices {
		e.have.Set(int(idx))
	}
	e.mut.Unlock()

	for _, idx := range indices {
		e.manager.MarkPieceVerified(idx, true)
	}
}

// VerifiedPieceIndices returns the indices of every piece currently marked
// have, for snapshotting into a checkpoint.
func (e *Engine) VerifiedPieceIndices() []uint32 {
	e.mut.Lock()
	defer e.mut.Unlock()

	var out []uint32
	for i := 0; i < int(e.manager.PieceCount()); i++ {
		if e.have.Has(i) {
			out = append(out, uint32(i))
		}
	}
	return out
}

func (e *Engine) Progress() float64 {
	e.mut.Lock()
	defer e.mut.Unlock()

	total := e.have.Len()
	if total == 0 {
		return 0
	}
	return float64(e.have.Count()) / float64(total) * 100.0
}

func (e *Engine) OnBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	e.mut.Lock()
	defer e.mut.Unlock()

	e.remoteBF[addr] = bf.Clone()
	for i := 0; i < bf.Len() && i < e.PieceCount(); i++ {
		if bf.Has(i) {
			e.availability.Inc(i)
		}
	}
}

func (e *Engine) OnHave(addr netip.AddrPort, index int) {
	e.mut.Lock()
	defer e.mut.Unlock()

	bf, ok := e.remoteBF[addr]
	if !ok {
		bf = bitfield.New(e.PieceCount())
		e.remoteBF[addr] = bf
	}
	if bf.Set(index) {
		e.availability.Inc(index)
	}
}

func (e *Engine) OnDisconnect(addr netip.AddrPort) {
	e.mut.Lock()
	bf := e.remoteBF[addr]
	blocks := e.inflight[addr]
	delete(e.remoteBF, addr)
	delete(e.inflight, addr)
	for i := 0; i < bf.Len() && i < e.PieceCount(); i++ {
		if bf.Has(i) {
			e.availability.Dec(i)
		}
	}
	e.mut.Unlock()

	for _, b := range blocks {
		e.manager.UnassignBlock(addr, b.PieceIdx, b.Begin)
	}
}

func (e *Engine) OnPiece(addr netip.AddrPort, index, begin int, block []byte) {
	redundant := e.manager.MarkBlockComplete(addr, uint32(index), uint32(begin))

	e.mut.Lock()
	blocks := e.inflight[addr]
	out := blocks[:0]
	for _, b := range blocks {
		if b.PieceIdx == uint32(index) && b.Begin == uint32(begin) {
			continue
		}
		out = append(out, b)
	}
	e.inflight[addr] = out
	e.mut.Unlock()

	if e.sendCancel != nil {
		length := uint32(len(block))
		for _, peerAddr := range redundant {
			e.sendCancel(peerAddr, uint32(index), uint32(begin), length)
		}
	}

	e.appendBlock(uint32(index), uint32(begin), block)
	e.RequestWork(addr)
}

func (e *Engine) appendBlock(pieceIdx, begin uint32, data []byte) {
	pieceLen := e.manager.PieceLength(pieceIdx)

	e.reassembleMut.Lock()
	buf, ok := e.reassembly[pieceIdx]
	if !ok {
		buf = &pieceBuf{size: int(pieceLen), blocks: make(map[uint32][]byte)}
		e.reassembly[pieceIdx] = buf
	}
	if _, dup := buf.blocks[begin]; dup {
		e.reassembleMut.Unlock()
		return
	}
	buf.blocks[begin] = data
	buf.received += len(data)
	complete := buf.received >= buf.size
	e.reassembleMut.Unlock()

	if !complete {
		return
	}

	go e.verifyAndStore(pieceIdx)
}

// verifyAndStore assembles a complete piece, hashes it on a bounded worker
// pool, and on success writes it to disk and marks the have-bitfield.
func (e *Engine) verifyAndStore(pieceIdx uint32) {
	ctx := context.Background()
	if err := e.verifySem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.verifySem.Release(1)

	e.reassembleMut.Lock()
	buf, ok := e.reassembly[pieceIdx]
	if !ok || buf.received < buf.size {
		e.reassembleMut.Unlock()
		return
	}
	data := make([]byte, buf.size)
	for begin, block := range buf.blocks {
		copy(data[begin:], block)
	}
	delete(e.reassembly, pieceIdx)
	e.reassembleMut.Unlock()

	ok = e.verifyHash(pieceIdx, data)

	if ok {
		if err := e.disk.WritePiece(pieceIdx, data); err != nil {
			e.logger.Error("write piece failed", "piece", pieceIdx, "error", err.Error())
			ok = false
		} else {
			e.mut.Lock()
			e.have.Set(int(pieceIdx))
			e.mut.Unlock()
		}
	} else {
		e.logger.Warn("piece hash mismatch, discarding", "piece", pieceIdx)
	}

	e.manager.MarkPieceVerified(pieceIdx, ok)

	if e.verify != nil {
		e.verify(pieceIdx, ok)
	}
}

// verifyHash checks a reassembled piece against its expected SHA-1 digest
// from the metainfo piece list (BEP-3). The SHA-256 branch runs only when
// hashAlgoFor reports SHA256 or Hybrid, which it never does, and its digest
// is neither compared nor stored, so the result depends on SHA-1 alone.
func (e *Engine) verifyHash(pieceIdx uint32, data []byte) bool {
	want := e.manager.PieceHash(pieceIdx)
	got := sha1.Sum(data)
	ok := got == want

	algo := hashAlgoFor()
	if algo == HashAlgoSHA256 || algo == HashAlgoHybrid {
		_ = sha256.Sum256(data) // digest is discarded
	}

	return ok
}

type HashAlgo uint8

const (
	HashAlgoSHA1 HashAlgo = iota
	HashAlgoSHA256
	HashAlgoHybrid
)

// hashAlgoFor reports the verification mode. It always returns
// HashAlgoSHA1: the metainfo parser reads only SHA-1 piece hashes and no
// configuration setting selects another mode.
func hashAlgoFor() HashAlgo {
	return HashAlgoSHA1
}

// RequestWork is invoked whenever a peer becomes eligible for new block
// requests (typically: just unchoked us). It picks the next blocks to
// request according to the configured piece-selection strategy and
// dispatches them via sendRequest.
func (e *Engine) RequestWork(addr netip.AddrPort) {
	cfg := config.Load()

	e.mut.Lock()
	bf, ok := e.remoteBF[addr]
	if !ok {
		e.mut.Unlock()
		return
	}
	bf = bf.Clone()
	capacity := cfg.MaxInflightRequestsPerPeer - len(e.inflight[addr])
	e.mut.Unlock()

	if capacity <= 0 || e.sendRequest == nil {
		return
	}

	remaining := e.remainingPieces()
	var assigned []*BlockInfo
	var left uint32

	switch {
	case remaining <= cfg.EndgameThreshold:
		assigned, left = e.manager.AssignEndgameBlocks(addr, bf, uint32(capacity), uint32(cfg.EndgameDupPerBlock))
	case cfg.PieceDownloadStrategy == config.PieceDownloadStrategySequential:
		assigned, left = e.manager.AssignSequentialBlocks(addr, bf, uint32(capacity))
	case cfg.PieceDownloadStrategy == config.PieceDownloadStrategyStreaming:
		order := e.streamingOrder(cfg.StreamingLookaheadPieces)
		assigned, left = e.manager.AssignBlocksFromList(addr, order, uint32(capacity))
	case cfg.PieceDownloadStrategy == config.PieceDownloadStrategyRandom:
		order := e.randomOrder(bf)
		assigned, left = e.manager.AssignBlocksFromList(addr, order, uint32(capacity))
	default: // rarest-first
		order := e.rarestFirstOrder(bf)
		assigned, left = e.manager.AssignBlocksFromList(addr, order, uint32(capacity))
	}
	_ = left

	if len(assigned) == 0 {
		// In-progress blocks (partially received pieces abandoned by a
		// disconnected peer) get priority fill once the primary
		// strategy has nothing left for this peer.
		assigned, _ = e.manager.AssignInProgressBlocks(addr, bf, uint32(capacity))
	}

	if len(assigned) == 0 {
		return
	}

	e.mut.Lock()
	e.inflight[addr] = append(e.inflight[addr], assigned...)
	e.mut.Unlock()

	for _, b := range assigned {
		e.sendRequest(addr, b.PieceIdx, b.Begin, b.Length)
	}
}

func (e *Engine) remainingPieces() int {
	states := e.manager.PieceStatus()
	n := 0
	for _, s := range states {
		if s != StatusDone {
			n++
		}
	}
	return n
}

// rarestFirstOrder returns piece indices the peer has, ordered by ascending
// global availability (rarest pieces first), by walking the availability
// index's buckets rather than sorting every candidate.
func (e *Engine) rarestFirstOrder(bf bitfield.Bitfield) []uint32 {
	peerSet := bitsetFromBitfield(bf.Has, e.PieceCount())

	e.mut.Lock()
	order := e.availability.RarestFirst(peerSet)
	e.mut.Unlock()

	return order
}

func (e *Engine) randomOrder(bf bitfield.Bitfield) []uint32 {
	var candidates []uint32
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			candidates = append(candidates, uint32(i))
		}
	}

	rand.Shuffle(len(candidates), func(a, b int) {
		candidates[a], candidates[b] = candidates[b], candidates[a]
	})

	return candidates
}

// streamingOrder returns the next lookahead pieces from the playback
// cursor, advancing the cursor past already-verified pieces.
func (e *Engine) streamingOrder(lookahead int) []uint32 {
	e.mut.Lock()
	defer e.mut.Unlock()

	count := uint32(e.PieceCount())
	for e.streamCursor < count && e.have.Has(int(e.streamCursor)) {
		e.streamCursor++
	}

	end := e.streamCursor + uint32(lookahead)
	if end > count {
		end = count
	}

	order := make([]uint32, 0, lookahead)
	for i := e.streamCursor; i < end; i++ {
		order = append(order, i)
	}
	return order
}

// SetStreamCursor repositions the streaming playback cursor, e.g. when a
// user seeks within the media file.
func (e *Engine) SetStreamCursor(pieceIdx uint32) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.streamCursor = pieceIdx
	e.manager.ResetSequentialState()
}

// PieceStatus exposes per-piece state for stats reporting.
func (e *Engine) PieceStatus() []Status {
	return e.manager.PieceStatus()
}

func validateOpts(opts *EngineOpts) error {
	if opts.Disk == nil {
		return fmt.Errorf("piece: engine requires a disk backend")
	}
	return nil
}
