package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/ccbt/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleCheckpoint(infoHash byte) *Checkpoint {
	var h [20]byte
	h[0] = infoHash
	return &Checkpoint{
		InfoHash:       h,
		TorrentName:    "ubuntu.iso",
		PieceLength:    16384,
		TotalLength:    65536,
		OutputDir:      "/tmp/downloads",
		AnnounceURLs:   []string{"udp://tracker.example:80"},
		DisplayName:    "ubuntu.iso",
		TotalPieces:    4,
		VerifiedPieces: []uint32{2, 0},
		Stats:          Stats{Uploaded: 1024, Downloaded: 65536},
	}
}

func newManager(t *testing.T, format config.CheckpointFormat, compress bool) *Manager {
	t.Helper()
	dir := t.TempDir()
	config.Swap(config.Config{
		CheckpointDir:      dir,
		CheckpointFormat:   format,
		CheckpointCompress: compress,
	})
	mgr, err := NewManager(testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestManager_JSONRoundTrip(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0x11)

	if err := mgr.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := mgr.Load(cp.InfoHash, 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TorrentName != cp.TorrentName || got.TotalLength != cp.TotalLength {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.VerifiedPieces) != 2 || got.VerifiedPieces[0] != 0 || got.VerifiedPieces[1] != 2 {
		t.Fatalf("verified pieces not sorted/round-tripped: %v", got.VerifiedPieces)
	}
}

func TestManager_BinaryRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		mgr := newManager(t, config.CheckpointFormatBinary, compress)
		cp := sampleCheckpoint(0x22)

		if err := mgr.Save(cp); err != nil {
			t.Fatalf("Save (compress=%v): %v", compress, err)
		}

		got, err := mgr.Load(cp.InfoHash, 4)
		if err != nil {
			t.Fatalf("Load (compress=%v): %v", compress, err)
		}
		if got.PieceLength != cp.PieceLength || got.TotalPieces != cp.TotalPieces {
			t.Fatalf("binary round trip mismatch: %+v", got)
		}
		if len(got.VerifiedPieces) != 2 {
			t.Fatalf("expected 2 verified pieces, got %d", len(got.VerifiedPieces))
		}
	}
}

func TestManager_BinaryCorruptedMagic(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatBinary, false)
	cp := sampleCheckpoint(0x33)
	if err := mgr.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := mgr.pathFor(cp.InfoHash, config.CheckpointFormatBinary)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[0] = 'X'
	if err := writeAtomic(path, raw); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	_, err = mgr.Load(cp.InfoHash, 4)
	if err == nil {
		t.Fatalf("expected corruption error, got nil")
	}
	if _, ok := err.(*ErrCorrupted); !ok {
		t.Fatalf("expected *ErrCorrupted, got %T: %v", err, err)
	}
}

func TestManager_LoadMissingReturnsNotFound(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	var h [20]byte
	h[0] = 0xFF

	_, err := mgr.Load(h, 10)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_VerifiedPieceOutOfRangeRejected(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0x44)
	cp.VerifiedPieces = []uint32{9}
	if err := mgr.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := mgr.Load(cp.InfoHash, 4)
	if _, ok := err.(*ErrCorrupted); !ok {
		t.Fatalf("expected out-of-range piece to be rejected, got %v", err)
	}
}

func TestManager_DeleteRemovesFile(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0x55)
	if err := mgr.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mgr.Delete(cp.InfoHash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mgr.Load(cp.InfoHash, 4); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestManager_List(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp1 := sampleCheckpoint(0x66)
	cp2 := sampleCheckpoint(0x77)
	if err := mgr.Save(cp1); err != nil {
		t.Fatalf("Save cp1: %v", err)
	}
	if err := mgr.Save(cp2); err != nil {
		t.Fatalf("Save cp2: %v", err)
	}

	entries, err := mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestManager_CleanupOlderThan(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0x88)
	if err := mgr.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := mgr.CleanupOlderThan(-time.Second)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := mgr.Load(cp.InfoHash, 4); err != ErrNotFound {
		t.Fatalf("expected checkpoint gone after cleanup, got %v", err)
	}
}

func TestManager_BackupRestoreEncrypted(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0x99)

	backupPath := filepath.Join(t.TempDir(), "backup.ccbt")
	if err := mgr.Backup(cp, backupPath, true, true); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	got, err := mgr.Restore(backupPath, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got.TorrentName != cp.TorrentName {
		t.Fatalf("restored checkpoint mismatch: %+v", got)
	}
	if got.InfoHash != cp.InfoHash {
		t.Fatalf("restored info hash mismatch: got=%x want=%x", got.InfoHash, cp.InfoHash)
	}
}

func TestManager_RestoreWrongKeyFails(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0xAA)

	backupPath := filepath.Join(t.TempDir(), "backup.ccbt")
	if err := mgr.Backup(cp, backupPath, false, true); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	wrongKey := make([]byte, keySize)
	wrongKey[0] = 0x01
	if _, err := mgr.Restore(backupPath, wrongKey); err == nil {
		t.Fatalf("expected restore with wrong key to fail")
	}
}

func TestManager_ConvertFormat(t *testing.T) {
	mgr := newManager(t, config.CheckpointFormatJSON, false)
	cp := sampleCheckpoint(0xBB)
	if err := mgr.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := mgr.ConvertFormat(cp.InfoHash, 4, config.CheckpointFormatJSON, config.CheckpointFormatBinary); err != nil {
		t.Fatalf("ConvertFormat: %v", err)
	}

	got, err := mgr.loadAs(cp.InfoHash, 4, config.CheckpointFormatBinary)
	if err != nil {
		t.Fatalf("loadAs binary: %v", err)
	}
	if got.TorrentName != cp.TorrentName {
		t.Fatalf("converted checkpoint mismatch: %+v", got)
	}
}
