// Package forward ships extracted Opus frames to a downstream HTTP endpoint.
// Frames are batched, length-prefixed, and uploaded as multipart form data
// with retry and concurrency limiting.
package forward
