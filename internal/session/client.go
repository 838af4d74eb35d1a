package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prxssh/ccbt/internal/config"
)

// Client tracks every active Session, keyed by info hash, and is the entry
// point an application (CLI or otherwise) drives to add/remove torrents.
type Client struct {
	log      *slog.Logger
	ctx      context.Context
	mu       sync.RWMutex
	clientID [sha1.Size]byte
	sessions map[[sha1.Size]byte]*Session
}

// NewClient builds a Client using the client ID from the global config.
func NewClient() *Client {
	return &Client{
		log:      slog.Default(),
		ctx:      context.Background(),
		clientID: config.Load().ClientID,
		sessions: make(map[[sha1.Size]byte]*Session),
	}
}

// Startup binds the context used to run sessions added afterward.
func (c *Client) Startup(ctx context.Context) {
	c.ctx = ctx
}

// AddTorrent parses a .torrent file's bytes, wires a Session for it, and
// starts it running in the background.
func (c *Client) AddTorrent(data []byte, downloadDir string) (*Session, error) {
	s, err := New(c.clientID, data, downloadDir)
	if err != nil {
		c.log.Error("failed to add torrent", "error", err.Error(), "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(s.Metainfo.InfoHash[:])
	c.log.Debug("adding torrent",
		"name", s.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", s.Metainfo.Size(),
		"pieces", len(s.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.sessions[s.Metainfo.InfoHash] = s
	c.mu.Unlock()

	go func() {
		if err := s.Run(c.ctx); err != nil {
			c.log.Error("session stopped", "info_hash", infoHashHex, "error", err.Error())
		}
	}()
	return s, nil
}

// RemoveTorrent stops and forgets the session for the given hex-encoded
// info hash.
func (c *Client) RemoveTorrent(infoHashHex string) error {
	infoHash, err := decodeInfoHash(infoHashHex)
	if err != nil {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err.Error())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug("removing torrent", "name", s.Metainfo.Info.Name, "info_hash", infoHashHex)
	s.Stop()
	delete(c.sessions, infoHash)
	return nil
}

// GetTorrentStats returns the current stats snapshot for a session, or nil
// if the info hash isn't tracked.
func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	infoHash, err := decodeInfoHash(infoHashHex)
	if err != nil {
		return nil
	}

	c.mu.RLock()
	s, ok := c.sessions[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.GetStats()
}

func decodeInfoHash(infoHashHex string) ([sha1.Size]byte, error) {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		return infoHash, fmt.Errorf("session: invalid info hash %q", infoHashHex)
	}
	copy(infoHash[:], raw)
	return infoHash, nil
}
