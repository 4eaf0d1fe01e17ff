package forward

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client provides HTTP client functionality for forwarding frame batches
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore

	// Statistics
	totalBatches    uint64
	successBatches  uint64
	failedBatches   uint64
	totalRetries    uint64
	framesSent      uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains frame forwarder configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BatchSize     int
}

// Batch represents a group of consecutive Opus frames from one session
type Batch struct {
	SessionID   string   `json:"session_id"`
	TrackNumber uint8    `json:"track_number"`
	FirstFrame  uint64   `json:"first_frame"`
	Frames      [][]byte `json:"-"` // Sent as a length-prefixed file, not JSON
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalBatches    uint64        `json:"total_batches"`
	SuccessBatches  uint64        `json:"success_batches"`
	FailedBatches   uint64        `json:"failed_batches"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	FramesSent      uint64        `json:"frames_sent"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new frame forwarding HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// BatchSize returns the configured number of frames per batch.
func (c *Client) BatchSize() int {
	return c.config.BatchSize
}

// Send uploads one batch of frames, retrying with exponential backoff.
func (c *Client) Send(ctx context.Context, batch *Batch) error {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalBatches()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			// Exponential backoff, capped
			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, batch)
		if err == nil {
			c.recordSuccess(batch, time.Since(startTime))
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			break
		}
	}

	c.incrementFailedBatches()
	return fmt.Errorf("forwarding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single HTTP upload of the batch
func (c *Client) doRequest(ctx context.Context, batch *Batch) error {
	body, contentType, err := c.createMultipartRequest(batch)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("User-Agent", "prism-media/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// createMultipartRequest builds the multipart/form-data body: the frames as
// one length-prefixed file plus batch metadata fields.
func (c *Client) createMultipartRequest(batch *Batch) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("%s_%d.opusframes", batch.SessionID, batch.FirstFrame)
	fileWriter, err := writer.CreateFormFile("frames", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(EncodeFrames(batch.Frames)); err != nil {
		return nil, "", fmt.Errorf("failed to write frame data: %w", err)
	}

	fields := map[string]string{
		"session_id":   batch.SessionID,
		"track_number": fmt.Sprintf("%d", batch.TrackNumber),
		"first_frame":  fmt.Sprintf("%d", batch.FirstFrame),
		"frame_count":  fmt.Sprintf("%d", len(batch.Frames)),
		"sent_at":      time.Now().UTC().Format(time.RFC3339),
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// EncodeFrames serializes frames as a sequence of 32-bit big-endian length
// prefixes followed by the frame bytes.
func EncodeFrames(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += 4 + len(f)
	}

	out := make([]byte, 0, size)
	var prefix [4]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(f)))
		out = append(out, prefix[:]...)
		out = append(out, f...)
	}
	return out
}

// DecodeFrames parses a length-prefixed frame sequence produced by
// EncodeFrames.
func DecodeFrames(data []byte) ([][]byte, error) {
	var frames [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated frame length prefix")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("truncated frame: declared %d bytes, %d available", n, len(data))
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames, nil
}

// isRetryableError determines if an error is retryable
func (c *Client) isRetryableError(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()

	// 5xx server errors and rate limiting are retryable
	if strings.Contains(errStr, "HTTP error 5") || strings.Contains(errStr, "HTTP error 429") {
		return true
	}

	// Network/connection errors are typically retryable
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (c *Client) incrementTotalBatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalBatches++
}

func (c *Client) incrementFailedBatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedBatches++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) recordSuccess(batch *Batch, responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successBatches++
	c.framesSent += uint64(len(batch.Frames))

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalBatches > 0 {
		successRate = float64(c.successBatches) / float64(c.totalBatches) * 100
	}

	return ClientStats{
		TotalBatches:    c.totalBatches,
		SuccessBatches:  c.successBatches,
		FailedBatches:   c.failedBatches,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		FramesSent:      c.framesSent,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for all in-flight uploads to finish.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	return nil
}
