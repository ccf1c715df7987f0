// Package vad classifies a stream of normalized RMS energy samples into
// speech and silence with hysteresis. It does no I/O; callers feed it
// energy readings and timestamps and react to the returned events.
package vad

import "time"

// Event is the edge reported for one processed energy sample.
type Event int

const (
	None Event = iota
	SpeechStart
	SpeechEnd
)

func (e Event) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Config holds the detection thresholds. Energy is normalized RMS on a
// 0–1 scale regardless of the capture backend, so thresholds are portable.
type Config struct {
	// EnergyThreshold is the RMS cut between silence and speech.
	EnergyThreshold float64
	// SilenceDuration is the continuous silence required to end an utterance.
	SilenceDuration time.Duration
	// MinSpeechDuration is the minimum speech run before silence may end it.
	MinSpeechDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnergyThreshold:   0.015,
		SilenceDuration:   3 * time.Second,
		MinSpeechDuration: 300 * time.Millisecond,
	}
}

// Detector tracks the speech/silence state across samples. Zero time in
// silenceStart means "not currently silent".
type Detector struct {
	cfg Config

	isSpeech     bool
	speechStart  time.Time
	silenceStart time.Time
	lastEnergy   float64
}

func New(cfg Config) *Detector {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultConfig().EnergyThreshold
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = DefaultConfig().SilenceDuration
	}
	if cfg.MinSpeechDuration <= 0 {
		cfg.MinSpeechDuration = DefaultConfig().MinSpeechDuration
	}
	return &Detector{cfg: cfg}
}

// Process classifies one energy sample taken at now.
//
// A silence→speech edge latches the speech state and reports SpeechStart.
// While speech continues above threshold the silence timer keeps being
// reset. Once energy drops, a silence timer starts; SpeechEnd is reported
// only when the utterance lasted at least MinSpeechDuration and the
// silence ran for SilenceDuration. A too-short utterance is discarded as
// noise: state resets without an event so the next sample starts fresh.
func (d *Detector) Process(rms float64, now time.Time) Event {
	d.lastEnergy = rms

	if rms >= d.cfg.EnergyThreshold {
		d.silenceStart = time.Time{}
		if !d.isSpeech {
			d.isSpeech = true
			d.speechStart = now
			return SpeechStart
		}
		return None
	}

	if !d.isSpeech {
		return None
	}

	if d.silenceStart.IsZero() {
		d.silenceStart = now
		return None
	}

	if now.Sub(d.silenceStart) < d.cfg.SilenceDuration {
		return None
	}

	spoke := d.silenceStart.Sub(d.speechStart) >= d.cfg.MinSpeechDuration
	d.Reset()
	if spoke {
		return SpeechEnd
	}
	return None
}

// Reset clears the speech latch and timers so the detector behaves
// identically across repeated recordings.
func (d *Detector) Reset() {
	d.isSpeech = false
	d.speechStart = time.Time{}
	d.silenceStart = time.Time{}
}

// Speaking reports whether the detector is currently inside an utterance.
func (d *Detector) Speaking() bool {
	return d.isSpeech
}

// SpeechStartedAt returns when the current utterance began (zero if none).
func (d *Detector) SpeechStartedAt() time.Time {
	return d.speechStart
}

// LastEnergy returns the most recently processed RMS value.
func (d *Detector) LastEnergy() float64 {
	return d.lastEnergy
}
