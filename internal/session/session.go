// Package session wires a single torrent's metainfo into a running
// download/upload: a piece engine, a disk-backed store, a peer swarm, a
// tiered tracker, and an optional DHT peer-discovery loop.
package session

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prxssh/ccbt/internal/checkpoint"
	"github.com/prxssh/ccbt/internal/config"
	"github.com/prxssh/ccbt/internal/diskio"
	"github.com/prxssh/ccbt/internal/dht"
	"github.com/prxssh/ccbt/internal/meta"
	"github.com/prxssh/ccbt/internal/peer"
	"github.com/prxssh/ccbt/internal/piece"
	"github.com/prxssh/ccbt/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Session is a single torrent's live state: its metainfo, the disk store
// backing it, the piece-selection engine, the peer swarm, the tracker, and
// (unless the torrent is private or DHT is disabled) a DHT lookup loop.
type Session struct {
	Metainfo *meta.Metainfo

	clientID    [sha1.Size]byte
	downloadDir string
	logger      *slog.Logger

	disk       *diskio.Store
	engine     *piece.Engine
	swarm      *peer.Swarm
	tracker    *tracker.Tracker
	dht        *dht.DHT
	checkpoint *checkpoint.Manager

	cancel context.CancelFunc
}

// New parses a .torrent file's bytes and wires up everything needed to run
// it, but does not start any network I/O; call Run for that.
func New(clientID [sha1.Size]byte, data []byte, downloadDir string) (*Session, error) {
	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("session: parse metainfo: %w", err)
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)
	cfg := config.Load()

	disk, err := diskio.NewStore(metainfo, downloadDir, logger)
	if err != nil {
		return nil, fmt.Errorf("session: disk store: %w", err)
	}

	var checkpointMgr *checkpoint.Manager
	if cfg.CheckpointEnabled {
		checkpointMgr, err = checkpoint.NewManager(logger)
		if err != nil {
			return nil, fmt.Errorf("session: checkpoint manager: %w", err)
		}
	}

	s := &Session{
		Metainfo:    metainfo,
		clientID:    clientID,
		downloadDir: downloadDir,
		logger:      logger,
		disk:        disk,
		checkpoint:  checkpointMgr,
	}

	engine, err := piece.NewEngine(&piece.EngineOpts{
		PieceHashes: metainfo.Info.Pieces,
		PieceLength: uint32(metainfo.Info.PieceLength),
		TotalSize:   uint64(metainfo.Size()),
		Disk:        disk,
		Logger:      logger,
		OnVerified:  s.onPieceVerified,
	})
	if err != nil {
		return nil, fmt.Errorf("session: piece engine: %w", err)
	}
	s.engine = engine

	if checkpointMgr != nil {
		if cp, err := checkpointMgr.Load(metainfo.InfoHash, uint32(engine.PieceCount())); err == nil {
			engine.ResumeVerifiedPieces(cp.VerifiedPieces)
			logger.Info("resumed checkpoint", "verified_pieces", len(cp.VerifiedPieces))
		} else if err != checkpoint.ErrNotFound {
			logger.Warn("checkpoint load failed, starting fresh", "error", err.Error())
		}
	}

	swarm, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:   peerConfigFromGlobal(cfg),
		Logger:   logger,
		Engine:   engine,
		InfoHash: metainfo.InfoHash,
		ClientID: clientID,
		IsSeeder: engine.Progress() >= 100,
	})
	if err != nil {
		return nil, fmt.Errorf("session: peer swarm: %w", err)
	}
	s.swarm = swarm

	trk, err := tracker.NewTracker(metainfo.Announce, metainfo.AnnounceList, &tracker.TrackerOpts{
		OnAnnounceStart:   s.buildAnnounceParams,
		OnAnnounceSuccess: s.onAnnouncePeers,
		Log:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: tracker: %w", err)
	}
	s.tracker = trk

	// BEP-27: private torrents must not be announced to or discovered
	// through the DHT.
	if cfg.EnableDHT && !metainfo.Info.Private {
		dhtInstance, err := dht.NewDHT(&dht.Config{
			Logger:         logger,
			LocalID:        clientID,
			ListenAddr:     fmt.Sprintf(":%d", cfg.DHTPort),
			BootstrapNodes: cfg.DHTBootstrapNodes,
			ReadOnly:       cfg.DHTReadOnly,
		})
		if err != nil {
			return nil, fmt.Errorf("session: dht: %w", err)
		}
		s.dht = dhtInstance
	}

	return s, nil
}

func peerConfigFromGlobal(cfg *config.Config) *peer.Config {
	return &peer.Config{
		MaxPeers:                  uint8(cfg.MaxPeers),
		UploadSlots:               uint8(cfg.UploadSlots),
		PeerOutboxBacklog:         uint8(cfg.PeerOutboundQueueBacklog),
		ReadTimeout:               cfg.ReadTimeout,
		WriteTimeout:              cfg.WriteTimeout,
		DialTimeout:               cfg.DialTimeout,
		RechokeInterval:           cfg.RechokeInterval,
		OptimisticUnchokeInterval: cfg.OptimisticUnchokeInterval,
		PeerHeartbeatInterval:     cfg.PeerHeartbeatInterval,
		PeerInactivityDuration:    cfg.PeerInactivityDuration,
	}
}

// Run starts the tracker, peer swarm, and (if configured) DHT discovery
// loop, blocking until ctx is cancelled or a component fails.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.dht != nil {
		if err := s.dht.Start(); err != nil {
			return fmt.Errorf("session: dht start: %w", err)
		}
		defer s.dht.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.swarm.Run(gctx) })
	g.Go(func() error { return s.tracker.Run(gctx) })

	if s.dht != nil {
		g.Go(func() error { return s.dhtPeerDiscoveryLoop(gctx) })
	}

	if cp := config.Load().CheckpointInterval; s.checkpoint != nil && cp > 0 {
		g.Go(func() error { return s.checkpointLoop(gctx, cp) })
	}

	return g.Wait()
}

// Stop cancels the session's background work. Run's goroutines exit once
// their context is done.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.disk.Close(); err != nil {
		s.logger.Warn("disk close failed", "error", err.Error())
	}
}

func (s *Session) onPieceVerified(index uint32, ok bool) {
	if !ok {
		return
	}
	s.logger.Debug("piece verified", "index", index)
}

func (s *Session) checkpointLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.saveCheckpoint()
			return nil
		case <-ticker.C:
			s.saveCheckpoint()
		}
	}
}

func (s *Session) saveCheckpoint() {
	stats := s.swarm.Stats()
	cp := &checkpoint.Checkpoint{
		InfoHash:       s.Metainfo.InfoHash,
		TorrentName:    s.Metainfo.Info.Name,
		PieceLength:    uint32(s.Metainfo.Info.PieceLength),
		TotalLength:    uint64(s.Metainfo.Size()),
		OutputDir:      s.downloadDir,
		AnnounceURLs:   append([]string{s.Metainfo.Announce}, flattenTiers(s.Metainfo.AnnounceList)...),
		DisplayName:    s.Metainfo.Info.Name,
		TotalPieces:    uint32(s.engine.PieceCount()),
		VerifiedPieces: s.engine.VerifiedPieceIndices(),
		Stats: checkpoint.Stats{
			Uploaded:   stats.TotalUploaded,
			Downloaded: stats.TotalDownloaded,
		},
	}
	if err := s.checkpoint.Save(cp); err != nil {
		s.logger.Warn("checkpoint save failed", "error", err.Error())
	}
}

func flattenTiers(tiers [][]string) []string {
	var out []string
	for _, tier := range tiers {
		out = append(out, tier...)
	}
	return out
}

// Stats is a point-in-time snapshot of a session's progress, suitable for
// JSON marshaling to a UI.
type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []int              `json:"pieceStates"`
}

// GetStats reports the session's current swarm/tracker metrics and piece
// completion state.
func (s *Session) GetStats() *Stats {
	swarmStats := s.swarm.Stats()
	trackerStats := s.tracker.Stats()

	rawStates := s.engine.PieceStatus()
	pieceStates := make([]int, len(rawStates))
	for i, st := range rawStates {
		pieceStates[i] = int(st)
	}

	out := &Stats{
		Progress:    s.engine.Progress(),
		Peers:       s.swarm.PeerMetrics(),
		PieceStates: pieceStates,
	}
	out.SwarmMetrics = swarmStats
	out.TrackerMetrics = trackerStats
	return out
}

// GetPeerMessageHistory returns the recent wire-message history recorded
// for a connected peer, for debugging.
func (s *Session) GetPeerMessageHistory(peerAddr string, limit int) ([]*peer.Event, error) {
	addr, err := netip.ParseAddrPort(peerAddr)
	if err != nil {
		return nil, err
	}

	p, ok := s.swarm.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("session: peer not found: %s", peerAddr)
	}
	return p.GetMessageHistory(limit)
}

func (s *Session) buildAnnounceParams() *tracker.AnnounceParams {
	stats := s.swarm.Stats()
	left := uint64(s.Metainfo.Size()) - stats.TotalDownloaded

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case stats.TotalDownloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   s.Metainfo.InfoHash,
		PeerID:     s.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       left,
	}
}

func (s *Session) onAnnouncePeers(addrs []netip.AddrPort) {
	peerAddrs := make([]peer.PeerAddr, len(addrs))
	for i, a := range addrs {
		peerAddrs[i] = peer.PeerAddr{Addr: a, Source: peer.PeerSourceTracker}
	}
	s.swarm.AdmitPeersWithSource(peerAddrs)
}

func (s *Session) dhtPeerDiscoveryLoop(ctx context.Context) error {
	interval := 15 * time.Minute
	if iv := config.Load().MinAnnounceInterval; iv > 0 {
		interval = iv
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(10 * time.Second):
	}

	s.queryDHTForPeers()
	s.announceToDHT()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.queryDHTForPeers()
			s.announceToDHT()
		}
	}
}

func (s *Session) queryDHTForPeers() {
	peers, err := s.dht.GetPeers(s.Metainfo.InfoHash)
	if err != nil {
		s.logger.Warn("dht peer lookup failed", "error", err.Error())
		return
	}
	if len(peers) == 0 {
		return
	}

	peerAddrs := make([]peer.PeerAddr, 0, len(peers))
	for _, addr := range peers {
		var ip net.IP
		var port int
		switch a := addr.(type) {
		case *net.UDPAddr:
			ip, port = a.IP, a.Port
		case *net.TCPAddr:
			ip, port = a.IP, a.Port
		default:
			s.logger.Warn("unknown peer address type from dht", "type", fmt.Sprintf("%T", addr))
			continue
		}

		addrPort, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		peerAddrs = append(peerAddrs, peer.PeerAddr{
			Addr:   netip.AddrPortFrom(addrPort, uint16(port)),
			Source: peer.PeerSourceDHT,
		})
	}

	if len(peerAddrs) > 0 {
		s.logger.Info("found peers via dht", "count", len(peerAddrs))
		s.swarm.AdmitPeersWithSource(peerAddrs)
	}
}

func (s *Session) announceToDHT() {
	if !config.Load().DHTAnnounceIfFound {
		return
	}

	port := int(config.Load().DHTPort)
	if err := s.dht.AnnouncePeer(s.Metainfo.InfoHash, port); err != nil {
		s.logger.Warn("dht announce failed", "error", err.Error())
		return
	}
	s.logger.Debug("announced to dht", "port", port)
}
