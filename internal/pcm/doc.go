// Package pcm provides transforms over raw PCM sample buffers, currently a
// volume (gain) transform for signed 16-bit little-endian audio.
package pcm
