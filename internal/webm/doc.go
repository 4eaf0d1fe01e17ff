// Package webm implements an incremental WebM/EBML demuxer that extracts the
// raw Opus frames of the first audio track. It accepts arbitrarily chunked
// input, reconstructs element boundaries split across chunks, and skips
// uninteresting element trees without buffering them.
package webm
