package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/robertjustjones/prism-media/internal/config"
	"github.com/robertjustjones/prism-media/internal/metrics"
	"github.com/robertjustjones/prism-media/internal/ogg"
	"github.com/robertjustjones/prism-media/internal/stream"
	"github.com/robertjustjones/prism-media/internal/webm"
)

// TCPServer accepts ingest connections, each carrying one WebM byte stream
type TCPServer struct {
	listener  net.Listener
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	// Concurrency management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	connSem chan struct{}

	// Basic counters
	connectionsAccepted uint64
	connectionsRejected uint64
	readErrors          uint64
	demuxErrors         uint64
	mu                  sync.RWMutex
}

// NewTCPServer creates a new TCP ingest server instance
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		connSem:   make(chan struct{}, cfg.MaxConcurrentStreams),
	}
}

// Start begins listening for ingest connections
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.TCPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}

	s.listener = listener

	s.logger.Info("TCP ingest server started",
		slog.String("address", addr),
		slog.Int("read_buffer_size", s.config.ReadBufferSize),
		slog.Int("max_concurrent_streams", s.config.MaxConcurrentStreams),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the TCP server
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP ingest server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	s.mu.RLock()
	accepted := s.connectionsAccepted
	rejected := s.connectionsRejected
	readErrors := s.readErrors
	demuxErrors := s.demuxErrors
	s.mu.RUnlock()

	s.logger.Info("TCP ingest server stopped",
		slog.Uint64("connections_accepted", accepted),
		slog.Uint64("connections_rejected", rejected),
		slog.Uint64("read_errors", readErrors),
		slog.Uint64("demux_errors", demuxErrors),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				s.logger.Info("Accept loop stopping due to context cancellation")
				return
			default:
				s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
				continue
			}
		}

		// Enforce the concurrent stream limit without blocking the accept loop
		select {
		case s.connSem <- struct{}{}:
		default:
			s.mu.Lock()
			s.connectionsRejected++
			s.mu.Unlock()

			s.logger.Warn("Rejecting connection, concurrent stream limit reached",
				slog.String("remote_addr", conn.RemoteAddr().String()),
				slog.Int("limit", s.config.MaxConcurrentStreams),
			)
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.connectionsAccepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection demuxes one ingest connection until EOF, timeout, or a
// terminal demuxing error
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.connSem }()
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	session := s.streamMgr.CreateSession(remoteAddr)

	s.metrics.RecordStreamCreated()
	s.metrics.SetActiveStreams(s.streamMgr.GetActiveSessionCount())

	defer func() {
		if duration, ok := s.streamMgr.RemoveSession(session.ID); ok {
			s.metrics.RecordStreamDestroyed(duration.Seconds())
		}
		s.metrics.SetActiveStreams(s.streamMgr.GetActiveSessionCount())
	}()

	buffer := make([]byte, s.config.ReadBufferSize)
	timeout := s.config.GetStreamTimeoutDuration()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			s.logger.Error("Failed to set read deadline",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		n, err := conn.Read(buffer)

		if n > 0 {
			s.metrics.RecordChunk(n)

			frames, ingestErr := session.Ingest(buffer[:n])
			for _, frame := range frames {
				s.metrics.RecordFrame(len(frame))
			}

			if ingestErr != nil {
				s.mu.Lock()
				s.demuxErrors++
				s.mu.Unlock()
				s.metrics.RecordDemuxError(demuxErrorKind(ingestErr))

				s.logger.Error("Terminal demuxing error, closing connection",
					slog.String("session_id", session.ID),
					slog.String("remote_addr", remoteAddr),
					slog.String("error", ingestErr.Error()),
				)
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("Ingest connection finished",
					slog.String("session_id", session.ID),
					slog.String("remote_addr", remoteAddr),
				)
				return
			}

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Info("Ingest connection idle, closing",
					slog.String("session_id", session.ID),
					slog.String("remote_addr", remoteAddr),
					slog.Duration("timeout", timeout),
				)
				return
			}

			select {
			case <-s.ctx.Done():
				return
			default:
			}

			s.mu.Lock()
			s.readErrors++
			s.mu.Unlock()

			s.logger.Error("Failed to read from connection",
				slog.String("session_id", session.ID),
				slog.String("remote_addr", remoteAddr),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// demuxErrorKind maps terminal demuxing errors to stable metric labels
func demuxErrorKind(err error) string {
	switch {
	case errors.Is(err, webm.ErrMissingEBMLHeader):
		return "missing_ebml_header"
	case errors.Is(err, webm.ErrUnsupportedCodec):
		return "unsupported_codec"
	case errors.Is(err, webm.ErrNoAudioTrack):
		return "no_audio_track"
	case errors.Is(err, webm.ErrMalformedVint):
		return "malformed_vint"
	case errors.Is(err, ogg.ErrNotOpus):
		return "not_opus"
	default:
		return "other"
	}
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		ReadErrors:          s.readErrors,
		DemuxErrors:         s.demuxErrors,
		ActiveStreams:       uint64(s.streamMgr.GetActiveSessionCount()),
		StreamCapacity:      uint64(cap(s.connSem)),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ReadErrors          uint64 `json:"read_errors"`
	DemuxErrors         uint64 `json:"demux_errors"`
	ActiveStreams       uint64 `json:"active_streams"`
	StreamCapacity      uint64 `json:"stream_capacity"`
}
