// Package audio abstracts microphone capture behind a small interface
// pair so the engine runs the same against malgo, PulseAudio, or the
// WAV-replay fake used in tests.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2 // 16-bit signed little-endian mono

	WAVHeaderSize = 44
)

// DataCallback receives raw PCM from the capture backend.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// RMS computes the normalized root-mean-square energy of 16-bit LE mono
// PCM on a 0–1 scale, so VAD thresholds are portable across backends.
func RMS(pcm []byte) float64 {
	if len(pcm) < BytesPerSample {
		return 0
	}
	var sumSquares float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
		n++
	}
	return math.Sqrt(sumSquares / float64(n))
}

// FramesToDuration converts a frame count at the engine sample rate to
// milliseconds.
func FramesToDuration(frames uint64) int64 {
	return int64(frames * 1000 / SampleRate)
}
