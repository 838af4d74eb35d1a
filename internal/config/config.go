// Package config defines the engine-wide tunable configuration and exposes
// it as a process-global, atomically-swappable snapshot so every goroutine
// reads a consistent view without taking a lock.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// PieceDownloadStrategy enumerates high-level piece selection policies the
// piece engine can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom randomly samples among eligible pieces
	// (often used only for the first few pieces to reduce clumping).
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Used for streaming/locality.
	PieceDownloadStrategySequential

	// PieceDownloadStrategyStreaming is sequential with a bounded
	// lookahead window and per-piece deadlines, for media playback.
	PieceDownloadStrategyStreaming
)

// PreallocationMode controls how disk space is reserved for a torrent's
// files before data arrives.
type PreallocationMode uint8

const (
	// PreallocationNone performs no preallocation; files grow lazily.
	PreallocationNone PreallocationMode = iota
	// PreallocationSparse truncates files to their final size without
	// allocating backing blocks.
	PreallocationSparse
	// PreallocationFull zero-fills the entire file up front.
	PreallocationFull
	// PreallocationFallocate uses the fallocate(2) fast path on linux,
	// falling back to PreallocationFull elsewhere.
	PreallocationFallocate
)

// CheckpointFormat selects the on-disk encoding for resumable state.
type CheckpointFormat uint8

const (
	// CheckpointFormatJSON is a human-readable JSON checkpoint file.
	CheckpointFormatJSON CheckpointFormat = iota
	// CheckpointFormatBinary is the compact "CCBT"-magic binary format.
	CheckpointFormatBinary
	// CheckpointFormatBolt persists checkpoints in a bbolt database,
	// used for torrents with very large piece counts.
	CheckpointFormatBolt
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the default directory where NEW torrent files
	// are saved. Changing this only affects new torrents; existing
	// torrents continue downloading to their original location.
	DefaultDownloadDir string

	// ClientID is the unique identifier for our client.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPeers     int

	// ========== Tracker / Announce ==========

	NumWant             uint32
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	Port                uint16
	EnableUDPTracker    bool

	// =========== Rate Limits ==========

	MaxUploadRate            int64
	MaxDownloadRate          int64
	RateLimitRefresh         time.Duration
	PeerOutboundQueueBacklog int

	// ========== Piece Picker / Requests ==========

	PieceDownloadStrategy      PieceDownloadStrategy
	MaxInflightRequestsPerPeer int
	MinInflightRequestsPerPeer int
	RequestQueueTime           time.Duration
	RequestTimeout             time.Duration
	EndgameDupPerBlock         int
	EndgameThreshold           int
	MaxRequestsPerPiece        int
	HashWorkerCount            int

	// StreamingLookaheadPieces bounds how many pieces ahead of the
	// playback cursor the streaming strategy will request.
	StreamingLookaheadPieces int

	// ========== Seeding / Choking ==========

	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration

	// ========== Keepalive / Heartbeats ==========

	PeerHeartbeatInterval  time.Duration
	PeerInactivityDuration time.Duration
	KeepAliveInterval      time.Duration

	// ========== Disk I/O ==========

	Preallocation        PreallocationMode
	WriteCoalesceWindow  time.Duration
	WriteCoalesceMaxSize int
	ReadCacheSegments    int

	// ========== DHT ==========

	EnableDHT          bool
	DHTPort            uint16
	DHTBootstrapNodes  []string
	DHTReadOnly        bool
	DHTAnnounceIfFound bool

	// ========== PEX ==========

	EnablePEX bool

	// ========== Checkpoint ==========

	CheckpointEnabled     bool
	CheckpointDir         string
	CheckpointFormat      CheckpointFormat
	CheckpointInterval    time.Duration
	CheckpointCompress    bool
	CheckpointEncryptKey  []byte // 32 bytes, nacl/secretbox key; nil disables encryption
	CheckpointKeepBackups int

	// ========== Miscellaneous ==========

	MetricsEnabled  bool
	MetricsBindAddr string
	EnableIPv6      bool
	HasIPV6         bool
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	downloadDir := getDefaultDownloadDir()
	hasIPV6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:         downloadDir,
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		Port:                       6969,
		EnableUDPTracker:           true,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		RateLimitRefresh:           200 * time.Millisecond,
		PeerOutboundQueueBacklog:   256,
		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestQueueTime:           3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           30,
		MaxRequestsPerPiece:        128,
		HashWorkerCount:            4,
		StreamingLookaheadPieces:   8,
		UploadSlots:                4,
		RechokeInterval:            10 * time.Second,
		OptimisticUnchokeInterval:  30 * time.Second,
		PeerHeartbeatInterval:      60 * time.Second,
		PeerInactivityDuration:     2 * time.Minute,
		KeepAliveInterval:          90 * time.Second,
		Preallocation:              PreallocationSparse,
		WriteCoalesceWindow:        500 * time.Millisecond,
		WriteCoalesceMaxSize:       4 << 20, // 4MiB
		ReadCacheSegments:          64,
		EnableDHT:                  true,
		DHTPort:                    6969,
		DHTBootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		DHTReadOnly:           false,
		DHTAnnounceIfFound:    true,
		EnablePEX:             false,
		CheckpointEnabled:     true,
		CheckpointDir:         filepath.Join(downloadDir, ".ccbt", "checkpoints"),
		CheckpointFormat:      CheckpointFormatBinary,
		CheckpointInterval:    30 * time.Second,
		CheckpointCompress:    true,
		CheckpointKeepBackups: 2,
		MetricsEnabled:        false,
		MetricsBindAddr:       ":9090",
		EnableIPv6:            hasIPV6,
		HasIPV6:               hasIPV6,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "ccbt")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "ccbt", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-CB0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}

// global is the atomically-swappable process-wide configuration snapshot.
var global atomic.Value

// Init populates the global configuration with defaults. It must be called
// once during process startup before any other package calls Load.
func Init() error {
	cfg, err := defaultConfig()
	if err != nil {
		return err
	}

	global.Store(&cfg)
	return nil
}

// Load returns the current configuration snapshot. Safe for concurrent use;
// the returned pointer must be treated as read-only.
func Load() *Config {
	cfg, _ := global.Load().(*Config)
	if cfg == nil {
		// Defensive fallback: callers that race Init should still see a
		// usable configuration instead of a nil-pointer panic.
		fallback, _ := defaultConfig()
		return &fallback
	}
	return cfg
}

// Update applies mut to a copy of the current configuration and installs the
// result atomically, returning the new snapshot.
func Update(mut func(*Config)) *Config {
	cur := *Load()
	mut(&cur)
	global.Store(&cur)
	return &cur
}

// Swap installs next as the current configuration snapshot.
func Swap(next Config) *Config {
	global.Store(&next)
	return &next
}
