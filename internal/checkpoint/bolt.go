package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var checkpointsBucket = []byte("checkpoints")

// boltPath is the single bbolt database file backing every checkpoint when
// CheckpointFormatBolt is configured; large swarms with many torrents
// benefit from one transactional file instead of one JSON/binary file per
// torrent.
func (m *Manager) boltPath() string {
	return filepath.Join(m.cfg.CheckpointDir, "checkpoints.bolt")
}

func (m *Manager) openBolt() (*bbolt.DB, error) {
	db, err := bbolt.Open(m.boltPath(), 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open bolt: %w", err)
	}
	return db, nil
}

func (m *Manager) saveBolt(cp *Checkpoint) error {
	db, err := m.openBolt()
	if err != nil {
		return err
	}
	defer db.Close()

	type wire struct {
		Checkpoint
		InfoHashHex string `json:"info_hash"`
	}
	data, err := json.Marshal(wire{Checkpoint: *cp, InfoHashHex: hashHex(cp.InfoHash)})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal bolt entry: %w", err)
	}

	return db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(hashHex(cp.InfoHash)), data)
	})
}

func (m *Manager) loadBolt(infoHash [20]byte, totalPieces uint32) (*Checkpoint, error) {
	db, err := m.openBolt()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	type wire struct {
		Checkpoint
		InfoHashHex string `json:"info_hash"`
	}
	var w wire
	found := false

	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(checkpointsBucket)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(hashHex(infoHash)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, &ErrCorrupted{Reason: err.Error()}
	}
	if !found {
		return nil, ErrNotFound
	}
	if err := validatePieceCount(w.Checkpoint.VerifiedPieces, totalPieces); err != nil {
		return nil, err
	}

	cp := w.Checkpoint
	cp.InfoHash = infoHash
	return &cp, nil
}

func (m *Manager) deleteBolt(infoHash [20]byte) error {
	db, err := m.openBolt()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(checkpointsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(hashHex(infoHash)))
	})
}

// ListBolt enumerates every checkpoint stored in the bolt-backed database.
func (m *Manager) ListBolt() ([]Entry, error) {
	db, err := m.openBolt()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var entries []Entry
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(checkpointsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var w struct {
				Checkpoint
				InfoHashHex string `json:"info_hash"`
			}
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			entries = append(entries, Entry{
				InfoHash:    w.InfoHashHex,
				Path:        m.boltPath(),
				ModifiedAt:  w.UpdatedAt,
				TorrentName: w.TorrentName,
			})
			return nil
		})
	})
	return entries, err
}
