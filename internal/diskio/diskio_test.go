package diskio

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prxssh/ccbt/internal/config"
	"github.com/prxssh/ccbt/internal/meta"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genStream(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + 3) % 256)
	}
	return b
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		files    []*meta.File
		pieceLen int32
	}{
		{
			name:     "single file exact pieces",
			files:    []*meta.File{{Path: []string{"single"}, Length: 64}},
			pieceLen: 16,
		},
		{
			name: "multi file crossing boundaries",
			files: []*meta.File{
				{Path: []string{"a.bin"}, Length: 5},
				{Path: []string{"b.bin"}, Length: 7},
				{Path: []string{"c.bin"}, Length: 3},
			},
			pieceLen: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			config.Swap(config.Config{
				Preallocation:     config.PreallocationSparse,
				ReadCacheSegments: 8,
			})

			var total int64
			for _, f := range tt.files {
				total += f.Length
			}

			mi := &meta.Metainfo{Info: &meta.Info{
				Name:        "torrent",
				PieceLength: tt.pieceLen,
				Files:       tt.files,
			}}

			store, err := NewStore(mi, root, discardLogger())
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			defer store.Close()

			stream := genStream(total)
			pieceCount := int((total + int64(tt.pieceLen) - 1) / int64(tt.pieceLen))

			for i := 0; i < pieceCount; i++ {
				start := int64(i) * int64(tt.pieceLen)
				end := start + int64(tt.pieceLen)
				if end > total {
					end = total
				}
				if err := store.WritePiece(uint32(i), stream[start:end]); err != nil {
					t.Fatalf("WritePiece(%d): %v", i, err)
				}
			}
			store.flushBatch()

			for i := 0; i < pieceCount; i++ {
				start := int64(i) * int64(tt.pieceLen)
				end := start + int64(tt.pieceLen)
				if end > total {
					end = total
				}

				got := make([]byte, end-start)
				if err := store.ReadPiece(uint32(i), got); err != nil {
					t.Fatalf("ReadPiece(%d): %v", i, err)
				}
				if !bytes.Equal(got, stream[start:end]) {
					t.Fatalf("piece %d mismatch: got=%v want=%v", i, got, stream[start:end])
				}
			}
		})
	}
}

func TestStore_WriteWithCoalescingDisabled(t *testing.T) {
	root := t.TempDir()
	config.Swap(config.Config{
		Preallocation:        config.PreallocationSparse,
		ReadCacheSegments:    8,
		WriteCoalesceWindow:  0,
		WriteCoalesceMaxSize: 1 << 20,
	})

	mi := &meta.Metainfo{Info: &meta.Info{
		Name:        "torrent",
		PieceLength: 16,
		Files:       []*meta.File{{Path: []string{"file"}, Length: 32}},
	}}

	store, err := NewStore(mi, root, discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	payload := genStream(16)
	if err := store.WritePiece(0, payload); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got := make([]byte, 16)
	if err := store.ReadPiece(0, got); err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("byte mismatch: got=%v want=%v", got, payload)
	}
}

func TestStore_ReadPendingBatchedWrite(t *testing.T) {
	root := t.TempDir()
	config.Swap(config.Config{
		Preallocation:        config.PreallocationSparse,
		ReadCacheSegments:    8,
		WriteCoalesceWindow:  time.Hour,
		WriteCoalesceMaxSize: 1 << 20,
	})

	mi := &meta.Metainfo{Info: &meta.Info{
		Name:        "torrent",
		PieceLength: 16,
		Files:       []*meta.File{{Path: []string{"file"}, Length: 16}},
	}}

	store, err := NewStore(mi, root, discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	payload := genStream(16)
	if err := store.WritePiece(0, payload); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	// The write is sitting in the coalescing batch, not yet flushed to
	// disk; ReadPiece must still see it via the pending-batch fast path.
	got := make([]byte, 16)
	if err := store.ReadPiece(0, got); err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("byte mismatch for unflushed piece: got=%v want=%v", got, payload)
	}
}
