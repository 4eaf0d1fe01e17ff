package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertjustjones/prism-media/internal/forward"
	"github.com/robertjustjones/prism-media/internal/webm"
)

// Session represents one active ingest connection feeding a WebM demuxer
type Session struct {
	ID           string
	RemoteAddr   string
	StartTime    time.Time
	LastActivity time.Time

	// demuxer is touched only by the ingest goroutine; everyone else reads
	// the mu-guarded snapshots below, refreshed after each Write.
	demuxer       *webm.Demuxer
	bytesConsumed uint64
	track         *webm.Track
	demuxErr      error

	// Frames accumulated since the last forwarded batch
	pending    [][]byte
	nextFrame  uint64 // index of the first frame in pending
	frameCount uint64

	// Statistics
	chunksReceived uint64
	bytesReceived  uint64
	batchesSent    uint64
	batchesFailed  uint64

	// Manager reference for forwarding
	manager *Manager

	forwardWG sync.WaitGroup

	mu sync.RWMutex
}

// Manager manages all active demuxing sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	timeout  time.Duration

	// Optional downstream frame forwarder; nil when forwarding is disabled
	forwarder *forward.Client

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new session manager. The forwarder may be nil, in
// which case extracted frames are counted but not shipped anywhere.
func NewManager(logger *slog.Logger, timeout time.Duration, forwarder *forward.Client) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:  make(map[string]*Session),
		logger:    logger,
		timeout:   timeout,
		forwarder: forwarder,
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession creates a new demuxing session for one ingest connection
func (m *Manager) CreateSession(remoteAddr string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		StartTime:    now,
		LastActivity: now,
		demuxer:      webm.NewDemuxer(),
		manager:      m,
	}

	m.sessions[session.ID] = session

	m.logger.Info("Created new demuxing session",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", remoteAddr),
	)

	return session
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// RemoveSession finalizes and removes a session. It returns the session
// lifetime, or false if no such session exists.
func (m *Manager) RemoveSession(id string) (time.Duration, bool) {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return 0, false
	}

	session.finalize()

	duration := time.Since(session.StartTime)

	session.mu.RLock()
	m.logger.Info("Demuxing session removed",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
		slog.Duration("duration", duration),
		slog.Uint64("bytes_received", session.bytesReceived),
		slog.Uint64("frames_emitted", session.frameCount),
		slog.Uint64("batches_sent", session.batchesSent),
	)
	session.mu.RUnlock()

	return duration, true
}

// Stop gracefully stops the manager and finalizes all sessions
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.finalize()
	}

	if m.forwarder != nil {
		if err := m.forwarder.Close(); err != nil {
			m.logger.Warn("Error closing forwarder", slog.String("error", err.Error()))
		}
	}

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("finalized_sessions", len(sessions)),
	)
}

// GetForwardStats returns downstream forwarding statistics, if enabled
func (m *Manager) GetForwardStats() (forward.ClientStats, bool) {
	if m.forwarder == nil {
		return forward.ClientStats{}, false
	}
	return m.forwarder.GetStats(), true
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.timeout),
		slog.Duration("check_interval", 30*time.Second),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}

// Ingest feeds one chunk of container bytes into the session's demuxer and
// returns any Opus frames completed by it. Frames are also queued for
// downstream forwarding when a forwarder is configured.
func (s *Session) Ingest(chunk []byte) ([][]byte, error) {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.chunksReceived++
	s.bytesReceived += uint64(len(chunk))
	s.mu.Unlock()

	frames, err := s.demuxer.Write(chunk)

	s.mu.Lock()
	s.bytesConsumed = s.demuxer.BytesConsumed()
	if s.track == nil {
		if track, ok := s.demuxer.Track(); ok {
			s.track = &track
		}
	}
	if err != nil {
		s.demuxErr = err
	}
	if len(frames) > 0 {
		s.frameCount += uint64(len(frames))
		s.pending = append(s.pending, frames...)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("demuxing failed: %w", err)
	}

	if len(frames) > 0 {
		s.flushBatches(false)
	}

	return frames, nil
}

// Track reports the selected Opus track, if header parsing has found one yet
func (s *Session) Track() (webm.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.track == nil {
		return webm.Track{}, false
	}
	return *s.track, true
}

// flushBatches ships accumulated frames downstream. With force set, a partial
// batch is sent as well; otherwise only full batches go out.
func (s *Session) flushBatches(force bool) {
	client := s.manager.forwarder
	if client == nil {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return
	}

	batchSize := client.BatchSize()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 || (!force && len(s.pending) < batchSize) {
			s.mu.Unlock()
			return
		}

		n := batchSize
		if n > len(s.pending) {
			n = len(s.pending)
		}

		batch := &forward.Batch{
			SessionID:  s.ID,
			FirstFrame: s.nextFrame,
			Frames:     s.pending[:n:n],
		}
		if s.track != nil {
			batch.TrackNumber = s.track.Number
		}

		s.pending = s.pending[n:]
		s.nextFrame += uint64(n)
		s.mu.Unlock()

		s.forwardWG.Add(1)
		go s.sendBatch(batch)
	}
}

// sendBatch uploads one batch asynchronously
func (s *Session) sendBatch(batch *forward.Batch) {
	defer s.forwardWG.Done()

	logger := s.manager.logger

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.manager.forwarder.Send(ctx, batch); err != nil {
		s.mu.Lock()
		s.batchesFailed++
		s.mu.Unlock()

		logger.Error("Frame batch forwarding failed",
			slog.String("session_id", s.ID),
			slog.Uint64("first_frame", batch.FirstFrame),
			slog.Int("frame_count", len(batch.Frames)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.batchesSent++
	s.mu.Unlock()

	logger.Debug("Frame batch forwarded",
		slog.String("session_id", s.ID),
		slog.Uint64("first_frame", batch.FirstFrame),
		slog.Int("frame_count", len(batch.Frames)),
	)
}

// finalize flushes any partial batch and waits for in-flight uploads
func (s *Session) finalize() {
	s.flushBatches(true)
	s.forwardWG.Wait()
}

// GetSessionInfo returns session information for monitoring and APIs
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		SessionID:      s.ID,
		RemoteAddr:     s.RemoteAddr,
		StartTime:      s.StartTime,
		LastActivity:   s.LastActivity,
		Duration:       time.Since(s.StartTime),
		ChunksReceived: s.chunksReceived,
		BytesReceived:  s.bytesReceived,
		BytesConsumed:  s.bytesConsumed,
		FramesEmitted:  s.frameCount,
		BatchesSent:    s.batchesSent,
		BatchesFailed:  s.batchesFailed,
	}

	if s.track != nil {
		n := int(s.track.Number)
		info.TrackNumber = &n
	}

	if s.demuxErr != nil {
		msg := s.demuxErr.Error()
		info.DemuxError = &msg
	}

	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	RemoteAddr   string        `json:"remote_addr"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	ChunksReceived uint64 `json:"chunks_received"`
	BytesReceived  uint64 `json:"bytes_received"`
	BytesConsumed  uint64 `json:"bytes_consumed"`
	FramesEmitted  uint64 `json:"frames_emitted"`
	BatchesSent    uint64 `json:"batches_sent"`
	BatchesFailed  uint64 `json:"batches_failed"`

	TrackNumber *int    `json:"track_number,omitempty"`
	DemuxError  *string `json:"demux_error,omitempty"`
}
