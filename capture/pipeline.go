// Package capture turns a platform audio device into timestamped PCM
// chunks and VAD events. It owns the microphone busy guard: at most one
// recording exists at a time, and re-entrant starts are no-ops.
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/myndlens/myndlens-p-sub002/audio"
	"github.com/myndlens/myndlens-p-sub002/vad"
)

// ChunkInterval is the cadence at which buffered PCM is cut into chunks.
const ChunkInterval = 250 * time.Millisecond

// Chunk is one fixed-cadence slice of a recording. Seq starts at 1 and
// resets on every new recording.
type Chunk struct {
	Data       []byte
	Seq        int
	Timestamp  time.Time
	DurationMS int64
}

// Fragment is one VAD-delimited utterance within a recording.
type Fragment struct {
	PCM        []byte
	DurationMS int64
	StartedAt  time.Time
}

// Callbacks are invoked from the audio callback thread; they must not
// block. OnFragmentEnd fires when the VAD closes an utterance. OnChunk
// is optional: when nil the fixed-cadence chunk stream is not assembled
// at all, since fragments buffer independently.
type Callbacks struct {
	OnChunk       func(Chunk)
	OnEnergy      func(rms float64)
	OnFragmentEnd func(Fragment)
}

// Pipeline feeds live energy into the VAD and emits chunks and fragments.
type Pipeline struct {
	device audio.CaptureDevice
	det    *vad.Detector
	logger zerolog.Logger
	now    func() time.Time

	// devMu serializes device start/stop against deferred stops issued
	// from inside a data callback.
	devMu       sync.Mutex
	dispatching atomic.Bool

	mu         sync.Mutex
	recording  bool
	degraded   bool
	startGen   int
	cbs        Callbacks
	seq        int
	chunkBuf   []byte
	chunkStart time.Time
	frag       []byte
	fragFrames uint64
	fragStart  time.Time
	startedAt  time.Time
}

func NewPipeline(device audio.CaptureDevice, det *vad.Detector, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		device: device,
		det:    det,
		logger: logger,
		now:    time.Now,
	}
}

// StartRecording acquires the device and begins chunking. Calling it
// while a recording is active is a no-op. If the device cannot start
// (permission denied, hardware gone) the pipeline enters a benign
// no-audio mode instead of failing, so callers never end up in a dead
// state; Degraded reports that condition.
func (p *Pipeline) StartRecording(cbs Callbacks) {
	p.mu.Lock()
	if p.recording {
		p.mu.Unlock()
		p.logger.Warn().Msg("start ignored, already recording")
		return
	}
	now := p.now()
	p.recording = true
	p.degraded = false
	p.startGen++
	p.cbs = cbs
	p.seq = 0
	p.chunkBuf = nil
	p.chunkStart = now
	p.frag = nil
	p.fragFrames = 0
	p.fragStart = now
	p.startedAt = now
	p.det.Reset()
	p.mu.Unlock()

	p.devMu.Lock()
	p.device.SetCallback(p.onData)
	err := p.device.Start()
	p.devMu.Unlock()
	if err != nil {
		p.logger.Error().Err(err).Msg("capture start failed, entering no-audio mode")
		p.device.ClearCallback()
		p.mu.Lock()
		p.degraded = true
		p.mu.Unlock()
	}
}

// StopRecording releases the device and detaches the VAD. It is
// idempotent, safe without a preceding successful start, and safe to
// call from inside a pipeline callback: capture backends block their
// Stop until the in-flight data callback returns, so a stop issued on
// the callback thread releases the hardware from a separate goroutine.
// Either way no further callbacks fire once StopRecording returns.
func (p *Pipeline) StopRecording() {
	p.mu.Lock()
	wasRecording := p.recording
	p.recording = false
	p.cbs = Callbacks{}
	p.chunkBuf = nil
	p.frag = nil
	p.fragFrames = 0
	gen := p.startGen
	p.mu.Unlock()

	p.device.ClearCallback()
	p.det.Reset()

	// Always release the hardware handle, even on double-stop.
	if p.dispatching.Load() {
		go p.stopDevice(gen)
	} else {
		p.devMu.Lock()
		p.device.Stop()
		p.devMu.Unlock()
	}

	if wasRecording {
		p.logger.Debug().Msg("recording stopped")
	}
}

// stopDevice finishes a stop that was requested on the callback thread.
// A generation check keeps it from killing a recording started after the
// stop was issued.
func (p *Pipeline) stopDevice(gen int) {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	p.mu.Lock()
	stale := gen != p.startGen
	p.mu.Unlock()
	if stale {
		return
	}
	p.device.Stop()
}

func (p *Pipeline) IsRecording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Degraded reports whether the current recording is running in no-audio
// fallback mode.
func (p *Pipeline) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// StartedAt returns when the current recording began.
func (p *Pipeline) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// TakeFragment cuts the currently buffered utterance without waiting for
// the VAD, for manual end-of-thought gestures. Returns false when
// nothing was buffered.
func (p *Pipeline) TakeFragment() (Fragment, bool) {
	p.mu.Lock()
	frag := p.cutFragmentLocked()
	p.mu.Unlock()
	if frag.PCM == nil {
		return Fragment{}, false
	}
	return frag, true
}

func (p *Pipeline) cutFragmentLocked() Fragment {
	if len(p.frag) == 0 {
		return Fragment{}
	}
	frag := Fragment{
		PCM:        p.frag,
		DurationMS: audio.FramesToDuration(p.fragFrames),
		StartedAt:  p.fragStart,
	}
	p.frag = nil
	p.fragFrames = 0
	p.fragStart = p.now()
	return frag
}

// onData runs on the capture backend's callback thread. Work is staged
// under the lock and callbacks fire after it is released, so a handler
// may call StopRecording without deadlocking.
func (p *Pipeline) onData(data []byte, frameCount uint32) {
	now := p.now()
	rms := audio.RMS(data)

	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return
	}
	cbs := p.cbs

	p.frag = append(p.frag, data...)
	p.fragFrames += uint64(frameCount)

	var chunk *Chunk
	if cbs.OnChunk != nil {
		p.chunkBuf = append(p.chunkBuf, data...)
		if now.Sub(p.chunkStart) >= ChunkInterval && len(p.chunkBuf) > 0 {
			p.seq++
			chunk = &Chunk{
				Data:       p.chunkBuf,
				Seq:        p.seq,
				Timestamp:  now,
				DurationMS: int64(len(p.chunkBuf) / audio.BytesPerSample * 1000 / audio.SampleRate),
			}
			p.chunkBuf = nil
			p.chunkStart = now
		}
	}

	ev := p.det.Process(rms, now)
	var frag Fragment
	if ev == vad.SpeechEnd {
		frag = p.cutFragmentLocked()
	}
	p.mu.Unlock()

	p.dispatching.Store(true)
	if cbs.OnEnergy != nil {
		cbs.OnEnergy(rms)
	}
	if chunk != nil && cbs.OnChunk != nil {
		cbs.OnChunk(*chunk)
	}
	if frag.PCM != nil && cbs.OnFragmentEnd != nil {
		cbs.OnFragmentEnd(frag)
	}
	p.dispatching.Store(false)
}
