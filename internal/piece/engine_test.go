package piece

import (
	"crypto/sha1"
	"net/netip"
	"sync"
	"testing"

	"github.com/prxssh/ccbt/internal/config"
	"github.com/prxssh/ccbt/pkg/bitfield"
)

// memDisk is an in-memory Disk for exercising Engine without touching the
// filesystem.
type memDisk struct {
	mu        sync.Mutex
	pages     map[uint32][]byte
	failWrite bool
}

func newMemDisk() *memDisk { return &memDisk{pages: make(map[uint32][]byte)} }

func (d *memDisk) WritePiece(index uint32, data []byte) error {
	if d.failWrite {
		return errSimulatedWrite
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte(nil), data...)
	d.pages[index] = cp
	return nil
}

func (d *memDisk) ReadPiece(index uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(buf, d.pages[index])
	return nil
}

var errSimulatedWrite = &writeErr{}

type writeErr struct{}

func (*writeErr) Error() string { return "disk: simulated write failure" }

func newTestEngine(t *testing.T, pieces [][]byte, pieceLen uint32) (*Engine, [][]byte) {
	t.Helper()

	config.Swap(config.Config{
		HashWorkerCount:            2,
		MaxInflightRequestsPerPeer: 16,
		EndgameThreshold:           0,
		EndgameDupPerBlock:         2,
		PieceDownloadStrategy:      config.PieceDownloadStrategyRarestFirst,
	})

	hashes := make([][sha1.Size]byte, len(pieces))
	var total uint64
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
		total += uint64(len(p))
	}

	e, err := NewEngine(&EngineOpts{
		PieceHashes: hashes,
		PieceLength: pieceLen,
		TotalSize:   total,
		Disk:        newMemDisk(),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return e, pieces
}

func TestEngine_OnPieceVerifiesAndStores(t *testing.T) {
	pieces := [][]byte{
		[]byte("0123456789abcdef"), // 16 bytes, one block
	}
	e, _ := newTestEngine(t, pieces, 16)

	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	bf := bitfield.New(1)
	bf.Set(0)
	e.OnBitfield(addr, bf)

	var verifiedIdx uint32
	var verifiedOK bool
	var wg sync.WaitGroup
	wg.Add(1)
	e.verify = func(index uint32, ok bool) {
		verifiedIdx, verifiedOK = index, ok
		wg.Done()
	}

	e.appendBlock(0, 0, pieces[0])
	wg.Wait()

	if !verifiedOK {
		t.Fatalf("expected piece 0 to verify successfully")
	}
	if verifiedIdx != 0 {
		t.Fatalf("verified wrong piece index: %d", verifiedIdx)
	}
	if !e.Bitfield().Has(0) {
		t.Fatalf("expected have-bitfield to mark piece 0 complete")
	}
}

func TestEngine_OnPieceHashMismatchDiscarded(t *testing.T) {
	pieces := [][]byte{make([]byte, 16)}
	e, _ := newTestEngine(t, pieces, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	e.verify = func(index uint32, ok bool) {
		if ok {
			t.Errorf("expected verification failure for corrupted piece")
		}
		wg.Done()
	}

	corrupted := make([]byte, 16)
	corrupted[0] = 0xFF
	e.appendBlock(0, 0, corrupted)
	wg.Wait()

	if e.Bitfield().Has(0) {
		t.Fatalf("corrupted piece must not be marked as have")
	}
}

func TestEngine_DiskWriteFailureNotMarkedVerified(t *testing.T) {
	data := []byte("0123456789abcdef")
	hashes := [][sha1.Size]byte{sha1.Sum(data)}

	disk := newMemDisk()
	disk.failWrite = true

	e, err := NewEngine(&EngineOpts{
		PieceHashes: hashes,
		PieceLength: 16,
		TotalSize:   16,
		Disk:        disk,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	e.verify = func(index uint32, ok bool) {
		if ok {
			t.Errorf("expected verification to fail when the disk write fails")
		}
		wg.Done()
	}

	e.appendBlock(0, 0, data)
	wg.Wait()

	if e.Bitfield().Has(0) {
		t.Fatalf("piece must not be marked have when the disk write failed")
	}
	if e.manager.PieceComplete(0) {
		t.Fatalf("manager must not mark the piece verified when the disk write failed")
	}
}

func TestAvailabilityIndex_RarestFirst(t *testing.T) {
	a := newAvailabilityIndex(3)
	a.Inc(0)
	a.Inc(0)
	a.Inc(1)

	have := func(i int) bool { return true }
	set := bitsetFromBitfield(have, 3)

	order := a.RarestFirst(set)
	if len(order) != 3 {
		t.Fatalf("expected 3 pieces in order, got %d", len(order))
	}
	// piece 2 has availability 0, piece 1 has 1, piece 0 has 2: rarest first.
	if order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("unexpected rarest-first order: %v", order)
	}
}

func TestAvailabilityIndex_DecRestoresBucket(t *testing.T) {
	a := newAvailabilityIndex(2)
	a.Inc(0)
	a.Inc(0)
	a.Dec(0)

	if got := a.Count(0); got != 1 {
		t.Fatalf("Count(0) = %d, want 1", got)
	}
}

func TestEngine_OnDisconnectUnassignsBlocks(t *testing.T) {
	pieces := [][]byte{make([]byte, 32)}
	e, _ := newTestEngine(t, pieces, 32)

	addr := netip.MustParseAddrPort("9.9.9.9:1111")
	bf := bitfield.New(1)
	bf.Set(0)
	e.OnBitfield(addr, bf)

	assigned := false
	e.sendRequest = func(a netip.AddrPort, pieceIdx, begin, length uint32) {
		assigned = true
	}

	e.RequestWork(addr)
	if !assigned {
		t.Fatalf("expected RequestWork to dispatch at least one request")
	}

	e.OnDisconnect(addr)

	e.mut.Lock()
	_, stillTracked := e.remoteBF[addr]
	e.mut.Unlock()
	if stillTracked {
		t.Fatalf("expected remote bitfield to be forgotten after disconnect")
	}
	if owners := len(e.manager.pieces[0].blocks[0].owners); owners != 0 {
		t.Fatalf("expected block 0 to have no owners after disconnect, got %d", owners)
	}
}
