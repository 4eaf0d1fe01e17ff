package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertjustjones/prism-media/internal/config"
	"github.com/robertjustjones/prism-media/internal/forward"
	"github.com/robertjustjones/prism-media/internal/metrics"
	"github.com/robertjustjones/prism-media/internal/ogg"
	"github.com/robertjustjones/prism-media/internal/pcm"
	"github.com/robertjustjones/prism-media/internal/stream"
	"github.com/robertjustjones/prism-media/internal/webm"
)

// HTTPServer provides HTTP API endpoints for monitoring, management, and
// one-shot frame extraction
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	tcpServer *TCPServer
	metrics   *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, streamMgr *stream.Manager, tcpServer *TCPServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		tcpServer: tcpServer,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// One-shot extraction and transform endpoints
	mux.HandleFunc("/extract", h.withMetrics("/extract", h.handleExtract))
	mux.HandleFunc("/volume", h.withMetrics("/volume", h.handleVolume))

	// Streams monitoring endpoints
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/forward", h.withMetrics("/stats/forward", h.handleForwardStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	tcpStats := h.tcpServer.GetStatistics()

	components := map[string]interface{}{
		"tcp_server": map[string]interface{}{
			"status":               "running",
			"connections_accepted": tcpStats.ConnectionsAccepted,
			"connections_rejected": tcpStats.ConnectionsRejected,
			"demux_errors":         tcpStats.DemuxErrors,
		},
		"stream_manager": map[string]interface{}{
			"status":         "running",
			"active_streams": tcpStats.ActiveStreams,
		},
	}

	if forwardStats, ok := h.streamMgr.GetForwardStats(); ok {
		components["forward"] = map[string]interface{}{
			"status":          "running",
			"total_batches":   forwardStats.TotalBatches,
			"success_rate":    forwardStats.SuccessRate,
			"active_requests": forwardStats.ActiveRequests,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "prism-media",
			"version": "1.0.0",
		},
		"components": components,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// frameDemuxer is the push interface shared by the container demuxers.
type frameDemuxer interface {
	Write(chunk []byte) ([][]byte, error)
}

// extractFormat resolves the container format of an extraction request from
// the format query parameter, falling back to the Content-Type.
func extractFormat(r *http.Request) string {
	if format := r.URL.Query().Get("format"); format != "" {
		return format
	}
	switch r.Header.Get("Content-Type") {
	case "audio/ogg", "application/ogg":
		return "ogg"
	default:
		return "webm"
	}
}

// handleExtract implements the POST /extract endpoint. The request body is a
// WebM (default) or Ogg byte stream; the response is the extracted Opus
// frames of its audio stream, each preceded by a 32-bit big-endian length.
func (h *HTTPServer) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		demuxer frameDemuxer
		webmDmx *webm.Demuxer
	)
	format := extractFormat(r)
	switch format {
	case "webm":
		webmDmx = webm.NewDemuxer()
		demuxer = webmDmx
	case "ogg":
		demuxer = ogg.NewDemuxer()
	default:
		http.Error(w, fmt.Sprintf("Unknown format %q", format), http.StatusBadRequest)
		return
	}

	maxBytes := h.config.Demux.MaxExtractBytes
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	buffer := make([]byte, h.config.Demux.ExtractBufferSize)

	var frames [][]byte
	var bytesSeen uint64

	for {
		n, readErr := body.Read(buffer)

		if n > 0 {
			h.metrics.RecordChunk(n)
			bytesSeen += uint64(n)

			emitted, err := demuxer.Write(buffer[:n])
			if err != nil {
				h.metrics.RecordDemuxError(demuxErrorKind(err))

				h.logger.Warn("Extraction request failed",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("format", format),
					slog.Uint64("bytes_seen", bytesSeen),
					slog.String("error", err.Error()),
				)
				http.Error(w, fmt.Sprintf("Extraction failed: %v", err), http.StatusUnprocessableEntity)
				return
			}

			for _, frame := range emitted {
				h.metrics.RecordFrame(len(frame))
			}
			frames = append(frames, emitted...)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Frame-Count", fmt.Sprintf("%d", len(frames)))
	if webmDmx != nil {
		if track, ok := webmDmx.Track(); ok {
			w.Header().Set("X-Track-Number", fmt.Sprintf("%d", track.Number))
		}
	}
	w.Write(forward.EncodeFrames(frames))
}

// handleVolume implements the POST /volume endpoint. The request body is raw
// signed 16-bit little-endian PCM; the response is the same stream scaled by
// the gain query parameter.
func (h *HTTPServer) handleVolume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	gain := 1.0
	if raw := r.URL.Query().Get("gain"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "Invalid gain", http.StatusBadRequest)
			return
		}
		gain = parsed
	}

	transformer, err := pcm.NewVolumeTransformer(gain)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid gain: %v", err), http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.config.Demux.MaxExtractBytes)
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")

	buffer := make([]byte, h.config.Demux.ExtractBufferSize)
	for {
		n, readErr := body.Read(buffer)

		if n > 0 {
			if _, err := w.Write(transformer.Transform(buffer[:n])); err != nil {
				return
			}
		}

		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			// Headers are already out; the truncated response signals failure.
			h.logger.Warn("Volume request body read failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", readErr.Error()),
			)
			return
		}
	}
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.GetAllSessions()
	sessionInfos := make([]stream.SessionInfo, 0, len(sessions))

	for _, session := range sessions {
		sessionInfos = append(sessionInfos, session.GetSessionInfo())
	}

	response := map[string]interface{}{
		"total_streams": len(sessionInfos),
		"timestamp":     time.Now().UTC(),
		"streams":       sessionInfos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStreamDetail implements the /streams/{session_id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Path[len("/streams/"):]
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.GetSession(sessionID)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	sessionInfo := session.GetSessionInfo()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionInfo)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"tcp_port":               h.config.Server.TCPPort,
			"bind_address":           h.config.Server.BindAddress,
			"read_buffer_size":       h.config.Server.ReadBufferSize,
			"max_concurrent_streams": h.config.Server.MaxConcurrentStreams,
			"stream_timeout":         h.config.Server.StreamTimeout,
		},
		"demux": map[string]interface{}{
			"extract_buffer_size": h.config.Demux.ExtractBufferSize,
			"max_extract_bytes":   h.config.Demux.MaxExtractBytes,
		},
		"forward": map[string]interface{}{
			"enabled":        h.config.Forward.Enabled,
			"endpoint":       h.config.Forward.Endpoint,
			"timeout":        h.config.Forward.Timeout,
			"max_retries":    h.config.Forward.MaxRetries,
			"max_concurrent": h.config.Forward.MaxConcurrent,
			"batch_size":     h.config.Forward.BatchSize,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tcpStats := h.tcpServer.GetStatistics()
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"tcp": map[string]interface{}{
			"connections_accepted": tcpStats.ConnectionsAccepted,
			"connections_rejected": tcpStats.ConnectionsRejected,
			"read_errors":          tcpStats.ReadErrors,
			"demux_errors":         tcpStats.DemuxErrors,
			"active_streams":       tcpStats.ActiveStreams,
			"stream_capacity":      tcpStats.StreamCapacity,
		},
		"streams": map[string]interface{}{
			"active_count": h.streamMgr.GetActiveSessionCount(),
		},
	}

	if forwardStats, ok := h.streamMgr.GetForwardStats(); ok {
		stats["forward"] = forwardStats
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleForwardStats implements the /stats/forward endpoint
func (h *HTTPServer) handleForwardStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, ok := h.streamMgr.GetForwardStats()
	if !ok {
		http.Error(w, "Forwarding is disabled", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Opus Frame Extraction Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"POST /extract":             "Extract Opus frames from a WebM or Ogg body (?format=webm|ogg)",
			"POST /volume":              "Scale a 16-bit PCM body by a gain factor (?gain=)",
			"GET /streams":              "List all active streams",
			"GET /streams/{session_id}": "Get detailed stream information",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /stats/forward":        "Get frame forwarding statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
