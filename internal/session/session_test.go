package session

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/prxssh/ccbt/internal/config"
	"github.com/prxssh/ccbt/internal/tracker"
	"github.com/prxssh/ccbt/pkg/bencode"
)

func mkPieces(n int, pieceLen int) ([]byte, [][]byte) {
	var buf bytes.Buffer
	raw := make([][]byte, n)
	for i := 0; i < n; i++ {
		p := bytes.Repeat([]byte{byte('a' + i)}, pieceLen)
		raw[i] = p
		sum := sha1.Sum(p)
		buf.Write(sum[:])
	}
	return buf.Bytes(), raw
}

func singleFileTorrent(t *testing.T, name string, pieceLen, length int) []byte {
	t.Helper()

	n := (length + pieceLen - 1) / pieceLen
	pieces, _ := mkPieces(n, pieceLen)

	info := map[string]any{
		"name":         name,
		"piece length": int64(pieceLen),
		"pieces":       pieces,
		"length":       int64(length),
	}
	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal torrent: %v", err)
	}
	return data
}

func newTestSession(t *testing.T) *Session {
	t.Helper()

	config.Swap(config.Config{
		MaxPeers:                   50,
		UploadSlots:                4,
		PeerOutboundQueueBacklog:   256,
		ReadTimeout:                1000,
		WriteTimeout:               1000,
		DialTimeout:                1000,
		RechokeInterval:            1000,
		OptimisticUnchokeInterval:  1000,
		PeerHeartbeatInterval:      1000,
		PeerInactivityDuration:     1000,
		HashWorkerCount:            2,
		MaxInflightRequestsPerPeer: 16,
		EndgameDupPerBlock:         2,
		PieceDownloadStrategy:      config.PieceDownloadStrategyRarestFirst,
		EnableDHT:                  false,
		CheckpointEnabled:          false,
	})

	data := singleFileTorrent(t, "sample.bin", 16384, 16384*3)

	var clientID [sha1.Size]byte
	clientID[0] = 0x42

	s, err := New(clientID, data, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_WiresEngineSwarmTracker(t *testing.T) {
	s := newTestSession(t)

	if s.engine == nil {
		t.Fatal("engine not wired")
	}
	if s.swarm == nil {
		t.Fatal("swarm not wired")
	}
	if s.tracker == nil {
		t.Fatal("tracker not wired")
	}
	if s.dht != nil {
		t.Fatal("dht should be nil when EnableDHT is false")
	}
	if s.checkpoint != nil {
		t.Fatal("checkpoint manager should be nil when CheckpointEnabled is false")
	}
}

func TestNew_PrivateTorrentSuppressesDHT(t *testing.T) {
	config.Swap(config.Config{
		MaxPeers:                   50,
		HashWorkerCount:            2,
		MaxInflightRequestsPerPeer: 16,
		PieceDownloadStrategy:      config.PieceDownloadStrategyRarestFirst,
		EnableDHT:                  true,
		DHTPort:                    6969,
		CheckpointEnabled:          false,
	})

	n := 3
	pieceLen := 16384
	pieces, _ := mkPieces(n, pieceLen)
	info := map[string]any{
		"name":         "private.bin",
		"piece length": int64(pieceLen),
		"pieces":       pieces,
		"length":       int64(pieceLen * n),
		"private":      int64(1),
	}
	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}
	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal torrent: %v", err)
	}

	var clientID [sha1.Size]byte
	s, err := New(clientID, data, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s.dht != nil {
		t.Fatal("private torrents must not start a dht instance (BEP-27)")
	}
}

func TestBuildAnnounceParams_EventTransitions(t *testing.T) {
	s := newTestSession(t)

	params := s.buildAnnounceParams()
	if params.Event != tracker.EventStarted {
		t.Fatalf("event = %v, want EventStarted on first announce", params.Event)
	}
	if params.Left != uint64(s.Metainfo.Size()) {
		t.Fatalf("left = %d, want %d", params.Left, s.Metainfo.Size())
	}
}

func TestFlattenTiers(t *testing.T) {
	tiers := [][]string{
		{"http://a", "http://b"},
		{"http://c"},
	}
	got := flattenTiers(tiers)
	want := []string{"http://a", "http://b", "http://c"}

	if len(got) != len(want) {
		t.Fatalf("flattenTiers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flattenTiers[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetStats_ReportsProgress(t *testing.T) {
	s := newTestSession(t)

	stats := s.GetStats()
	if stats.Progress != 0 {
		t.Fatalf("progress = %v, want 0 before any piece is verified", stats.Progress)
	}
	if len(stats.PieceStates) != 3 {
		t.Fatalf("piece states len = %d, want 3", len(stats.PieceStates))
	}
}

func TestDecodeInfoHash_RejectsInvalid(t *testing.T) {
	if _, err := decodeInfoHash("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := decodeInfoHash("ab"); err == nil {
		t.Fatal("expected error for short hash")
	}
}
