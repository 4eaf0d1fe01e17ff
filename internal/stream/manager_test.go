package stream

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robertjustjones/prism-media/internal/forward"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Test stream construction helpers. Element IDs are written with their
// marker bits intact; sizes use minimal-width variable-length encoding.
func encodeID(id uint64) []byte {
	var out []byte
	for id > 0 {
		out = append([]byte{byte(id)}, out...)
		id >>= 8
	}
	return out
}

func encodeSize(n int) []byte {
	if n < 0x7f {
		return []byte{0x80 | byte(n)}
	}
	if n < 0x3fff {
		return []byte{0x40 | byte(n>>8), byte(n)}
	}
	return []byte{0x20 | byte(n>>16), byte(n >> 8), byte(n)}
}

func element(id uint64, payload []byte) []byte {
	out := encodeID(id)
	out = append(out, encodeSize(len(payload))...)
	return append(out, payload...)
}

func simpleBlock(trackRef uint8, frame []byte) []byte {
	payload := append([]byte{0x80 | trackRef, 0x00, 0x00, 0x80}, frame...)
	return element(0xa3, payload)
}

// buildOpusStream assembles a minimal container carrying the given frames on
// audio track 1.
func buildOpusStream(frames [][]byte) []byte {
	trackEntry := element(0xae, bytes.Join([][]byte{
		element(0xd7, []byte{1}),
		element(0x83, []byte{2}),
		element(0x63a2, []byte("OpusHead extra")),
	}, nil))

	var blocks []byte
	for _, f := range frames {
		blocks = append(blocks, simpleBlock(1, f)...)
	}

	var stream []byte
	stream = append(stream, element(0x1a45dfa3, nil)...)
	stream = append(stream, element(0x18538067, bytes.Join([][]byte{
		element(0x1654ae6b, trackEntry),
		element(0x1f43b675, blocks),
	}, nil))...)
	return stream
}

func TestNewManager(t *testing.T) {
	timeout := 60 * time.Second
	mgr := NewManager(testLogger(), timeout, nil)
	defer mgr.Stop()

	if mgr.timeout != timeout {
		t.Errorf("Expected timeout %v, got %v", timeout, mgr.timeout)
	}

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCreateAndGetSession(t *testing.T) {
	mgr := NewManager(testLogger(), 60*time.Second, nil)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")

	if session.ID == "" {
		t.Error("Expected non-empty session ID")
	}
	if session.RemoteAddr != "192.0.2.1:5000" {
		t.Errorf("Expected remote addr 192.0.2.1:5000, got %s", session.RemoteAddr)
	}

	got, exists := mgr.GetSession(session.ID)
	if !exists {
		t.Fatal("Expected session to exist")
	}
	if got != session {
		t.Error("Expected same session instance")
	}

	other := mgr.CreateSession("192.0.2.2:5000")
	if other.ID == session.ID {
		t.Error("Expected unique session IDs")
	}

	if mgr.GetActiveSessionCount() != 2 {
		t.Errorf("Expected 2 active sessions, got %d", mgr.GetActiveSessionCount())
	}

	if _, exists := mgr.GetSession("no-such-session"); exists {
		t.Error("Expected session to not exist")
	}
}

func TestRemoveSession(t *testing.T) {
	mgr := NewManager(testLogger(), 60*time.Second, nil)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")

	duration, removed := mgr.RemoveSession(session.ID)
	if !removed {
		t.Error("Expected session to be removed")
	}
	if duration < 0 {
		t.Errorf("Expected non-negative duration, got %v", duration)
	}

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}

	if _, removed := mgr.RemoveSession(session.ID); removed {
		t.Error("Expected non-existent session to not be removed")
	}
}

func TestGetAllSessions(t *testing.T) {
	mgr := NewManager(testLogger(), 60*time.Second, nil)
	defer mgr.Stop()

	s1 := mgr.CreateSession("192.0.2.1:5000")
	s2 := mgr.CreateSession("192.0.2.2:5000")

	sessions := mgr.GetAllSessions()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}

	seen := make(map[string]bool)
	for _, s := range sessions {
		seen[s.ID] = true
	}
	if !seen[s1.ID] || !seen[s2.ID] {
		t.Error("Expected both sessions in snapshot")
	}
}

func TestSessionIngest(t *testing.T) {
	mgr := NewManager(testLogger(), 60*time.Second, nil)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")

	want := [][]byte{[]byte("frame one"), []byte("frame two"), []byte("frame three")}
	data := buildOpusStream(want)

	var got [][]byte
	chunkSize := 7
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		frames, err := session.Ingest(data[start:end])
		if err != nil {
			t.Fatalf("Ingest failed at offset %d: %v", start, err)
		}
		got = append(got, frames...)
	}

	if len(got) != len(want) {
		t.Fatalf("Expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("Frame %d mismatch: got %q, want %q", i, got[i], want[i])
		}
	}

	track, ok := session.Track()
	if !ok || track.Number != 1 {
		t.Errorf("Expected track 1, got %+v (ok=%v)", track, ok)
	}

	info := session.GetSessionInfo()
	if info.FramesEmitted != 3 {
		t.Errorf("Expected 3 frames emitted, got %d", info.FramesEmitted)
	}
	if info.BytesReceived != uint64(len(data)) {
		t.Errorf("Expected %d bytes received, got %d", len(data), info.BytesReceived)
	}
	if info.TrackNumber == nil || *info.TrackNumber != 1 {
		t.Errorf("Expected track number 1 in info, got %v", info.TrackNumber)
	}
	if info.DemuxError != nil {
		t.Errorf("Unexpected demux error: %v", *info.DemuxError)
	}
}

func TestSessionIngestError(t *testing.T) {
	mgr := NewManager(testLogger(), 60*time.Second, nil)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")

	// A stream opening with a Cluster instead of the container header
	if _, err := session.Ingest([]byte{0x1f, 0x43, 0xb6, 0x75, 0x80}); err == nil {
		t.Fatal("Expected error for stream without container header")
	}

	info := session.GetSessionInfo()
	if info.DemuxError == nil {
		t.Error("Expected demux error in session info")
	}
}

func TestSessionInfoConcurrentWithIngest(t *testing.T) {
	// Monitoring reads must be safe while the ingest goroutine is writing;
	// this relies on the race detector to catch unsynchronized access.
	mgr := NewManager(testLogger(), 60*time.Second, nil)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")
	data := buildOpusStream([][]byte{[]byte("frame a"), []byte("frame b")})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for off := 0; off < len(data); off++ {
			if _, err := session.Ingest(data[off : off+1]); err != nil {
				t.Errorf("Ingest failed at offset %d: %v", off, err)
				return
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		info := session.GetSessionInfo()
		if info.BytesConsumed > info.BytesReceived {
			t.Fatalf("Consumed %d exceeds received %d", info.BytesConsumed, info.BytesReceived)
		}
		session.Track()
	}
	<-done

	info := session.GetSessionInfo()
	if info.FramesEmitted != 2 {
		t.Errorf("Expected 2 frames emitted, got %d", info.FramesEmitted)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	shortTimeout := 100 * time.Millisecond
	mgr := NewManager(testLogger(), shortTimeout, nil)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")

	time.Sleep(shortTimeout + 50*time.Millisecond)
	mgr.cleanupExpiredSessions()

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions after cleanup, got %d", mgr.GetActiveSessionCount())
	}

	if _, exists := mgr.GetSession(session.ID); exists {
		t.Error("Expected session to be removed after cleanup")
	}

	// Activity refreshes keep a session alive past the timeout
	active := mgr.CreateSession("192.0.2.2:5000")

	time.Sleep(shortTimeout / 2)
	if _, err := active.Ingest(nil); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	time.Sleep(shortTimeout / 2)
	mgr.cleanupExpiredSessions()

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session after activity refresh, got %d", mgr.GetActiveSessionCount())
	}
}

func TestForwardingBatches(t *testing.T) {
	var uploads atomic.Int32
	var framesReceived atomic.Int32

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
		buf.ReadFrom(file)

		frames, err := forward.DecodeFrames(buf.Bytes())
		if err != nil {
			http.Error(w, "bad frame encoding", http.StatusBadRequest)
			return
		}

		uploads.Add(1)
		framesReceived.Add(int32(len(frames)))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := forward.NewClient(forward.Config{
		Endpoint:      server.URL,
		Timeout:       5 * time.Second,
		MaxConcurrent: 2,
		BatchSize:     2,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	mgr := NewManager(testLogger(), 60*time.Second, client)
	defer mgr.Stop()

	session := mgr.CreateSession("192.0.2.1:5000")

	frames := [][]byte{
		[]byte("alpha"), []byte("beta"), []byte("gamma"),
		[]byte("delta"), []byte("epsilon"),
	}
	if _, err := session.Ingest(buildOpusStream(frames)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Two full batches plus the partial one flushed at removal
	mgr.RemoveSession(session.ID)

	if uploads.Load() != 3 {
		t.Errorf("Expected 3 batch uploads, got %d", uploads.Load())
	}
	if framesReceived.Load() != 5 {
		t.Errorf("Expected 5 frames forwarded, got %d", framesReceived.Load())
	}
}
