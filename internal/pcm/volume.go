package pcm

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// VolumeTransformer scales signed 16-bit little-endian PCM samples by a gain
// factor, clamping to the sample range. Safe for concurrent gain updates
// while a stream is being transformed.
type VolumeTransformer struct {
	mu   sync.RWMutex
	gain float64

	// carry holds a dangling byte when a chunk splits a sample in half.
	carry []byte
}

// NewVolumeTransformer creates a transformer with the given initial gain.
// A gain of 1.0 passes samples through unchanged.
func NewVolumeTransformer(gain float64) (*VolumeTransformer, error) {
	if gain < 0 {
		return nil, fmt.Errorf("gain cannot be negative, got %f", gain)
	}
	return &VolumeTransformer{gain: gain}, nil
}

// SetGain updates the gain applied to subsequent samples.
func (v *VolumeTransformer) SetGain(gain float64) error {
	if gain < 0 {
		return fmt.Errorf("gain cannot be negative, got %f", gain)
	}
	v.mu.Lock()
	v.gain = gain
	v.mu.Unlock()
	return nil
}

// Gain returns the current gain.
func (v *VolumeTransformer) Gain() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.gain
}

// Transform scales one chunk of PCM data and returns the transformed bytes.
// A trailing half-sample is retained and prepended to the next chunk, so the
// returned slice may be one byte shorter or longer than the input.
func (v *VolumeTransformer) Transform(chunk []byte) []byte {
	v.mu.RLock()
	gain := v.gain
	v.mu.RUnlock()

	data := chunk
	if len(v.carry) > 0 {
		data = append(v.carry, chunk...)
		v.carry = nil
	}

	complete := len(data) &^ 1
	if complete < len(data) {
		v.carry = []byte{data[len(data)-1]}
		data = data[:complete]
	}

	if gain == 1.0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		scaled := float64(sample) * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(scaled)))
	}
	return out
}
