package forward

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEncodeDecodeFrames(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{name: "no frames", frames: nil},
		{name: "single frame", frames: [][]byte{[]byte("hello")}},
		{name: "empty frame", frames: [][]byte{{}}},
		{name: "mixed frames", frames: [][]byte{[]byte("one"), {}, bytes.Repeat([]byte{0xfe}, 300)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeFrames(EncodeFrames(tt.frames))
			if err != nil {
				t.Fatalf("DecodeFrames failed: %v", err)
			}
			if len(decoded) != len(tt.frames) {
				t.Fatalf("Expected %d frames, got %d", len(tt.frames), len(decoded))
			}
			for i := range tt.frames {
				if !bytes.Equal(decoded[i], tt.frames[i]) {
					t.Errorf("Frame %d mismatch", i)
				}
			}
		})
	}
}

func TestDecodeFramesTruncated(t *testing.T) {
	if _, err := DecodeFrames([]byte{0, 0}); err == nil {
		t.Error("Expected error for truncated length prefix")
	}
	if _, err := DecodeFrames([]byte{0, 0, 0, 10, 'x'}); err == nil {
		t.Error("Expected error for truncated frame body")
	}
}

func TestClientSend(t *testing.T) {
	var received atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		file, _, err := r.FormFile("frames")
		if err != nil {
			http.Error(w, "missing frames", http.StatusBadRequest)
			return
		}
		defer file.Close()

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(file); err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}

		received.Store(map[string]interface{}{
			"session_id":  r.FormValue("session_id"),
			"frame_count": r.FormValue("frame_count"),
			"auth":        r.Header.Get("Authorization"),
			"data":        buf.Bytes(),
		})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:      server.URL,
		APIKey:        "secret",
		Timeout:       5 * time.Second,
		MaxConcurrent: 2,
		BatchSize:     10,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	frames := [][]byte{[]byte("frame a"), []byte("frame b")}
	batch := &Batch{SessionID: "sess-1", TrackNumber: 3, FirstFrame: 7, Frames: frames}

	if err := client.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, ok := received.Load().(map[string]interface{})
	if !ok {
		t.Fatal("Server did not record a request")
	}
	if got["session_id"] != "sess-1" {
		t.Errorf("Expected session_id sess-1, got %v", got["session_id"])
	}
	if got["frame_count"] != "2" {
		t.Errorf("Expected frame_count 2, got %v", got["frame_count"])
	}
	if got["auth"] != "Bearer secret" {
		t.Errorf("Expected bearer auth, got %v", got["auth"])
	}

	decoded, err := DecodeFrames(got["data"].([]byte))
	if err != nil {
		t.Fatalf("DecodeFrames failed: %v", err)
	}
	if len(decoded) != 2 || !bytes.Equal(decoded[0], frames[0]) || !bytes.Equal(decoded[1], frames[1]) {
		t.Errorf("Uploaded frames do not match: %q", decoded)
	}

	stats := client.GetStats()
	if stats.SuccessBatches != 1 || stats.FramesSent != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:      server.URL,
		Timeout:       5 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 1,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	batch := &Batch{SessionID: "sess-2", Frames: [][]byte{[]byte("x")}}
	if err := client.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}

	stats := client.GetStats()
	if stats.TotalRetries != 1 {
		t.Errorf("Expected 1 retry recorded, got %d", stats.TotalRetries)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:      server.URL,
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		MaxConcurrent: 1,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	batch := &Batch{SessionID: "sess-3", Frames: [][]byte{[]byte("x")}}
	if err := client.Send(context.Background(), batch); err == nil {
		t.Fatal("Expected error for 400 response")
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls.Load())
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}
