// Package checkpoint persists and restores resumable download state: which
// pieces have been verified, per-file layout, and transfer statistics, so a
// session can resume without re-downloading (and, for already-verified
// pieces, without re-hashing) on restart.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prxssh/ccbt/internal/config"
)

const (
	magic         = "CCBT"
	formatVersion = uint8(1)
)

// Stats carries the transfer counters worth resuming across a restart.
type Stats struct {
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
}

// FileEntry records one file in the torrent's layout, mirroring enough of
// the metainfo to validate a checkpoint against the torrent it is restored
// into.
type FileEntry struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Checkpoint is the full resumable state for a single torrent.
type Checkpoint struct {
	InfoHash        [20]byte  `json:"-"`
	UpdatedAt       time.Time `json:"updated_at"`
	TorrentName     string    `json:"torrent_name"`
	PieceLength     uint32    `json:"piece_length"`
	TotalLength     uint64    `json:"total_length"`
	OutputDir       string    `json:"output_dir"`
	TorrentFilePath string    `json:"torrent_file_path,omitempty"`
	MagnetURI       string    `json:"magnet_uri,omitempty"`
	AnnounceURLs    []string  `json:"announce_urls,omitempty"`
	DisplayName     string      `json:"display_name,omitempty"`
	EndgameMode     bool        `json:"endgame_mode"`
	Files           []FileEntry `json:"files,omitempty"`
	Stats           Stats       `json:"download_stats"`

	// TotalPieces and VerifiedPieces describe which pieces are already
	// known-good on disk; VerifiedPieces holds piece indices, sorted
	// ascending.
	TotalPieces    uint32   `json:"total_pieces"`
	VerifiedPieces []uint32 `json:"verified_pieces"`
}

// binaryMetadata is the portion of Checkpoint that rides inside the binary
// format's length-prefixed metadata block (everything except the fields
// that are already represented in the fixed header).
type binaryMetadata struct {
	TorrentName     string      `json:"torrent_name"`
	OutputDir       string      `json:"output_dir"`
	TorrentFilePath string      `json:"torrent_file_path,omitempty"`
	MagnetURI       string      `json:"magnet_uri,omitempty"`
	AnnounceURLs    []string    `json:"announce_urls,omitempty"`
	DisplayName     string      `json:"display_name,omitempty"`
	EndgameMode     bool        `json:"endgame_mode"`
	Files           []FileEntry `json:"files,omitempty"`
	Stats           Stats       `json:"download_stats"`
}

// ErrNotFound is returned when no checkpoint exists for an info hash.
var ErrNotFound = fmt.Errorf("checkpoint: not found")

// ErrCorrupted is returned when a checkpoint (JSON, binary, bolt or backup)
// cannot be decoded or fails validation: bad magic, truncated fields, an
// info-hash mismatch or out-of-range piece indices. An unsupported binary
// version is reported as ErrVersionMismatch instead.
type ErrCorrupted struct{ Reason string }

func (e *ErrCorrupted) Error() string { return "checkpoint: corrupted: " + e.Reason }

// ErrVersionMismatch is returned when a binary checkpoint was written by an
// incompatible format version.
type ErrVersionMismatch struct{ Got, Want uint8 }

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("checkpoint: version mismatch: got %d, want %d", e.Got, e.Want)
}

// Manager saves, loads, and maintains checkpoint files for a torrent
// client's active and historical downloads.
type Manager struct {
	log *slog.Logger
	cfg *config.Config
}

// NewManager builds a Manager reading its directory/format/compression
// settings from the global config.
func NewManager(log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "checkpoint")

	cfg := config.Load()
	if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}

	return &Manager{log: log, cfg: cfg}, nil
}

func hashHex(h [20]byte) string {
	return hex.EncodeToString(h[:])
}

func (m *Manager) pathFor(infoHash [20]byte, format config.CheckpointFormat) string {
	base := hashHex(infoHash) + ".checkpoint"
	switch format {
	case config.CheckpointFormatJSON:
		base += ".json"
	case config.CheckpointFormatBolt:
		base += ".bolt"
	default:
		base += ".bin"
		if m.cfg.CheckpointCompress {
			base += ".gz"
		}
	}
	return filepath.Join(m.cfg.CheckpointDir, base)
}

// Save persists cp using the configured format, writing to a temp file in
// the same directory and renaming into place so a crash mid-write never
// leaves a half-written checkpoint behind.
func (m *Manager) Save(cp *Checkpoint) error {
	return m.saveAs(cp, m.cfg.CheckpointFormat)
}

func (m *Manager) saveAs(cp *Checkpoint, format config.CheckpointFormat) error {
	cp.UpdatedAt = timeNow()
	sort.Slice(cp.VerifiedPieces, func(i, j int) bool { return cp.VerifiedPieces[i] < cp.VerifiedPieces[j] })

	switch format {
	case config.CheckpointFormatJSON:
		return m.saveJSON(cp)
	case config.CheckpointFormatBolt:
		return m.saveBolt(cp)
	default:
		return m.saveBinary(cp)
	}
}

// Load reads back the checkpoint for infoHash, validating it against
// totalPieces (the caller's authoritative piece count from the torrent's
// metainfo).
func (m *Manager) Load(infoHash [20]byte, totalPieces uint32) (*Checkpoint, error) {
	return m.loadAs(infoHash, totalPieces, m.cfg.CheckpointFormat)
}

func (m *Manager) loadAs(infoHash [20]byte, totalPieces uint32, format config.CheckpointFormat) (*Checkpoint, error) {
	switch format {
	case config.CheckpointFormatJSON:
		return m.loadJSON(infoHash, totalPieces)
	case config.CheckpointFormatBolt:
		return m.loadBolt(infoHash, totalPieces)
	default:
		return m.loadBinary(infoHash, totalPieces)
	}
}

// ConvertFormat loads the checkpoint for infoHash under fromFormat and
// re-saves it under toFormat, leaving the original file in place.
func (m *Manager) ConvertFormat(infoHash [20]byte, totalPieces uint32, fromFormat, toFormat config.CheckpointFormat) error {
	cp, err := m.loadAs(infoHash, totalPieces, fromFormat)
	if err != nil {
		return fmt.Errorf("checkpoint: convert: load: %w", err)
	}
	if err := m.saveAs(cp, toFormat); err != nil {
		return fmt.Errorf("checkpoint: convert: save: %w", err)
	}
	return nil
}

// Delete removes the on-disk checkpoint for infoHash, if any.
func (m *Manager) Delete(infoHash [20]byte) error {
	if m.cfg.CheckpointFormat == config.CheckpointFormatBolt {
		return m.deleteBolt(infoHash)
	}
	path := m.pathFor(infoHash, m.cfg.CheckpointFormat)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// Entry summarizes one checkpoint found by List, without loading its full
// piece bitmap.
type Entry struct {
	InfoHash    string
	Path        string
	ModifiedAt  time.Time
	TorrentName string
}

// List enumerates checkpoint files in the configured directory (JSON and
// binary formats only; a bolt-backed store is enumerated via ListBolt),
// newest first.
func (m *Manager) List() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.CheckpointDir, "*.checkpoint.*"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}

	entries := make([]Entry, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		base := filepath.Base(path)
		hash, _, _ := strings.Cut(base, ".checkpoint")
		entries = append(entries, Entry{
			InfoHash:   hash,
			Path:       path,
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModifiedAt.After(entries[j].ModifiedAt)
	})
	return entries, nil
}

// CleanupOlderThan deletes checkpoint files last modified more than maxAge
// ago. Returns the number of files removed.
func (m *Manager) CleanupOlderThan(maxAge time.Duration) (int, error) {
	entries, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := timeNow().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.ModifiedAt.Before(cutoff) {
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				m.log.Warn("cleanup: failed to remove checkpoint", "path", e.Path, "error", err.Error())
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func timeNow() time.Time { return time.Now() }

// --- JSON format ---

func (m *Manager) saveJSON(cp *Checkpoint) error {
	path := m.pathFor(cp.InfoHash, config.CheckpointFormatJSON)

	type wire struct {
		Checkpoint
		InfoHashHex string `json:"info_hash"`
	}
	w := wire{Checkpoint: *cp, InfoHashHex: hashHex(cp.InfoHash)}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal json: %w", err)
	}
	return writeAtomic(path, data)
}

func (m *Manager) loadJSON(infoHash [20]byte, totalPieces uint32) (*Checkpoint, error) {
	path := m.pathFor(infoHash, config.CheckpointFormatJSON)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: read json: %w", err)
	}

	type wire struct {
		Checkpoint
		InfoHashHex string `json:"info_hash"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ErrCorrupted{Reason: err.Error()}
	}
	if w.InfoHashHex != hashHex(infoHash) {
		return nil, &ErrCorrupted{Reason: "info hash mismatch"}
	}
	if err := validatePieceCount(w.Checkpoint.VerifiedPieces, totalPieces); err != nil {
		return nil, err
	}
	cp := w.Checkpoint
	cp.InfoHash = infoHash
	return &cp, nil
}

func validatePieceCount(verified []uint32, totalPieces uint32) error {
	if uint32(len(verified)) > totalPieces {
		return &ErrCorrupted{Reason: "verified piece count exceeds total pieces"}
	}
	for _, idx := range verified {
		if idx >= totalPieces {
			return &ErrCorrupted{Reason: "verified piece index out of range"}
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// --- binary format ---

// bitfieldBytes packs verified piece indices into an MSB-first bitfield,
// matching the wire bitfield convention used elsewhere in the client.
func bitfieldBytes(verified []uint32, totalPieces uint32) []byte {
	buf := make([]byte, (totalPieces+7)/8)
	for _, idx := range verified {
		buf[idx/8] |= 1 << (7 - idx%8)
	}
	return buf
}

func verifiedFromBitfield(buf []byte, totalPieces uint32) []uint32 {
	var out []uint32
	for i := uint32(0); i < totalPieces; i++ {
		if buf[i/8]&(1<<(7-i%8)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

func (m *Manager) saveBinary(cp *Checkpoint) error {
	path := m.pathFor(cp.InfoHash, config.CheckpointFormatBinary)

	meta := binaryMetadata{
		TorrentName:     cp.TorrentName,
		OutputDir:       cp.OutputDir,
		TorrentFilePath: cp.TorrentFilePath,
		MagnetURI:       cp.MagnetURI,
		AnnounceURLs:    cp.AnnounceURLs,
		DisplayName:     cp.DisplayName,
		EndgameMode:     cp.EndgameMode,
		Files:           cp.Files,
		Stats:           cp.Stats,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	buf.Write(cp.InfoHash[:])
	binary.Write(&buf, binary.BigEndian, uint64(cp.UpdatedAt.Unix()))
	binary.Write(&buf, binary.BigEndian, cp.TotalPieces)
	binary.Write(&buf, binary.BigEndian, cp.PieceLength)
	binary.Write(&buf, binary.BigEndian, cp.TotalLength)
	buf.Write(bitfieldBytes(cp.VerifiedPieces, cp.TotalPieces))
	binary.Write(&buf, binary.BigEndian, uint32(len(metaJSON)))
	buf.Write(metaJSON)

	out := buf.Bytes()
	if m.cfg.CheckpointCompress {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("checkpoint: gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("checkpoint: gzip close: %w", err)
		}
		out = gz.Bytes()
	}

	return writeAtomic(path, out)
}

func (m *Manager) loadBinary(infoHash [20]byte, totalPieces uint32) (*Checkpoint, error) {
	path := m.pathFor(infoHash, config.CheckpointFormatBinary)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: read binary: %w", err)
	}

	if m.cfg.CheckpointCompress && looksGzipped(raw) {
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &ErrCorrupted{Reason: "gzip: " + err.Error()}
		}
		defer r.Close()
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, &ErrCorrupted{Reason: "gzip read: " + err.Error()}
		}
	}

	return decodeBinary(raw, infoHash, totalPieces)
}

func looksGzipped(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func decodeBinary(raw []byte, infoHash [20]byte, totalPieces uint32) (*Checkpoint, error) {
	r := bytes.NewReader(raw)

	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != magic {
		return nil, &ErrCorrupted{Reason: "bad magic"}
	}

	var version uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, &ErrCorrupted{Reason: "missing version"}
	}
	if version != formatVersion {
		return nil, &ErrVersionMismatch{Got: version, Want: formatVersion}
	}

	var gotHash [20]byte
	if _, err := io.ReadFull(r, gotHash[:]); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated info hash"}
	}
	if gotHash != infoHash {
		return nil, &ErrCorrupted{Reason: "info hash mismatch"}
	}

	var unixSec uint64
	var piecesInFile uint32
	var pieceLength uint32
	var totalLength uint64
	if err := binary.Read(r, binary.BigEndian, &unixSec); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated timestamp"}
	}
	if err := binary.Read(r, binary.BigEndian, &piecesInFile); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated piece count"}
	}
	if err := binary.Read(r, binary.BigEndian, &pieceLength); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated piece length"}
	}
	if err := binary.Read(r, binary.BigEndian, &totalLength); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated total length"}
	}

	bfLen := (piecesInFile + 7) / 8
	bf := make([]byte, bfLen)
	if _, err := io.ReadFull(r, bf); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated bitfield"}
	}

	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated metadata length"}
	}
	metaJSON := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaJSON); err != nil {
		return nil, &ErrCorrupted{Reason: "truncated metadata"}
	}

	var meta binaryMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, &ErrCorrupted{Reason: "metadata: " + err.Error()}
	}

	verified := verifiedFromBitfield(bf, piecesInFile)
	if err := validatePieceCount(verified, totalPieces); err != nil {
		return nil, err
	}

	return &Checkpoint{
		InfoHash:        infoHash,
		UpdatedAt:       time.Unix(int64(unixSec), 0).UTC(),
		TorrentName:     meta.TorrentName,
		PieceLength:     pieceLength,
		TotalLength:     totalLength,
		OutputDir:       meta.OutputDir,
		TorrentFilePath: meta.TorrentFilePath,
		MagnetURI:       meta.MagnetURI,
		AnnounceURLs:    meta.AnnounceURLs,
		DisplayName:     meta.DisplayName,
		EndgameMode:     meta.EndgameMode,
		Files:           meta.Files,
		Stats:           meta.Stats,
		TotalPieces:     piecesInFile,
		VerifiedPieces:  verified,
	}, nil
}
