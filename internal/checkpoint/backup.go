package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

// keySize is the nacl/secretbox key length; it substitutes for the
// original implementation's Fernet key in the portable-backup path.
const keySize = 32

// Backup writes a portable, self-contained snapshot of cp to path: always
// JSON, optionally gzip-compressed, optionally secretbox-encrypted. When
// encrypt is true a freshly generated key is written to a sidecar
// "<path>.key" file — restoring the backup requires that key.
func (m *Manager) Backup(cp *Checkpoint, path string, compress, encrypt bool) error {
	type wire struct {
		Checkpoint
		InfoHashHex string `json:"info_hash"`
	}
	data, err := json.Marshal(wire{Checkpoint: *cp, InfoHashHex: hashHex(cp.InfoHash)})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal backup: %w", err)
	}

	if compress {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("checkpoint: gzip backup: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("checkpoint: gzip backup close: %w", err)
		}
		data = buf.Bytes()
	}

	if encrypt {
		var key [keySize]byte
		if _, err := rand.Read(key[:]); err != nil {
			return fmt.Errorf("checkpoint: generate key: %w", err)
		}
		var nonce [24]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return fmt.Errorf("checkpoint: generate nonce: %w", err)
		}

		sealed := secretbox.Seal(nonce[:], data, &nonce, &key)
		if err := writeAtomic(path, sealed); err != nil {
			return err
		}
		return writeAtomic(keyPathFor(path), key[:])
	}

	return writeAtomic(path, data)
}

// Restore reads a backup produced by Backup, auto-detecting gzip framing
// and, when a sidecar key file (or an explicit key) is available,
// decrypting it.
func (m *Manager) Restore(path string, key []byte) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read backup: %w", err)
	}

	if key == nil {
		if sidecar, err := os.ReadFile(keyPathFor(path)); err == nil {
			key = sidecar
		}
	}

	if key != nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("checkpoint: restore: key must be %d bytes", keySize)
		}
		var k [keySize]byte
		copy(k[:], key)

		if len(data) < 24 {
			return nil, &ErrCorrupted{Reason: "backup shorter than nonce"}
		}
		var nonce [24]byte
		copy(nonce[:], data[:24])

		opened, ok := secretbox.Open(nil, data[24:], &nonce, &k)
		if !ok {
			return nil, &ErrCorrupted{Reason: "decryption failed"}
		}
		data = opened
	}

	if looksGzipped(data) {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &ErrCorrupted{Reason: "gzip: " + err.Error()}
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, &ErrCorrupted{Reason: "gzip read: " + err.Error()}
		}
	}

	type wire struct {
		Checkpoint
		InfoHashHex string `json:"info_hash"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ErrCorrupted{Reason: err.Error()}
	}

	cp := w.Checkpoint
	if decoded, err := hex.DecodeString(w.InfoHashHex); err == nil && len(decoded) == 20 {
		copy(cp.InfoHash[:], decoded)
	}
	return &cp, nil
}

func keyPathFor(path string) string {
	return filepath.Clean(path) + ".key"
}
