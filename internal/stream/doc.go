// Package stream provides demuxing session management and lifecycle handling.
// It manages concurrent ingest sessions, per-session extraction state, frame
// batching for downstream delivery, and automatic cleanup of inactive
// sessions based on configurable timeouts.
package stream
