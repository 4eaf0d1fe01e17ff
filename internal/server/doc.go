// Package server implements the TCP ingest server for WebM byte streams and
// the HTTP API endpoints. It handles concurrent connection demuxing, routing
// to stream sessions, one-shot extraction requests, and provides
// monitoring/management endpoints.
package server
