package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type IngestResponse struct {
	SessionID   string    `json:"session_id"`
	FirstFrame  uint64    `json:"first_frame"`
	FrameCount  int       `json:"frame_count"`
	TotalBytes  int       `json:"total_bytes"`
	ProcessedAt time.Time `json:"processed_at"`
}

func ingestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(10 << 20) // 10 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	// Get batch metadata fields
	sessionID := r.FormValue("session_id")
	trackNumber := r.FormValue("track_number")
	firstFrame := r.FormValue("first_frame")
	frameCount := r.FormValue("frame_count")
	sentAt := r.FormValue("sent_at")

	// Get frame file
	file, header, err := r.FormFile("frames")
	if err != nil {
		http.Error(w, "Error getting frame file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	frameData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading frame file", http.StatusInternalServerError)
		return
	}

	// Decode the length-prefixed frame sequence
	frames, err := decodeFrames(frameData)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad frame encoding: %v", err), http.StatusBadRequest)
		return
	}

	log.Printf("FRAME BATCH RECEIVED:")
	log.Printf("  Session ID: %s", sessionID)
	log.Printf("  Track Number: %s", trackNumber)
	log.Printf("  First Frame: %s", firstFrame)
	log.Printf("  Frame Count: %s (decoded %d)", frameCount, len(frames))
	log.Printf("  Sent At: %s", sentAt)
	log.Printf("  Filename: %s", header.Filename)
	log.Printf("  Payload: %d bytes", len(frameData))
	for i, frame := range frames {
		if i >= 3 {
			log.Printf("  ... %d more frames", len(frames)-i)
			break
		}
		log.Printf("  Frame %d: %d bytes", i, len(frame))
	}

	response := IngestResponse{
		SessionID:   sessionID,
		FirstFrame:  parseUint64(firstFrame),
		FrameCount:  len(frames),
		TotalBytes:  len(frameData),
		ProcessedAt: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("BATCH ACKNOWLEDGED: session=%s frames=%d", sessionID, len(frames))
	log.Println("---")
}

func decodeFrames(data []byte) ([][]byte, error) {
	var frames [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated length prefix")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("truncated frame body")
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames, nil
}

func parseUint64(s string) uint64 {
	var val uint64
	fmt.Sscanf(s, "%d", &val)
	return val
}

func main() {
	http.HandleFunc("/ingest", ingestHandler)

	port := ":9000"
	log.Printf("Test frame sink starting on port %s", port)
	log.Printf("Endpoint: http://localhost%s/ingest", port)
	log.Println("Update your config to use: http://localhost:9000/ingest")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
