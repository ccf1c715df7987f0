package main

import "time"

const (
	streamTickInterval = 100 * time.Millisecond
	thoughtStreamEnd   = 12 * time.Second
)

type StreamEvent int

const (
	StreamNone StreamEvent = iota
	StreamEnd
)

// streamMonitor watches for the end of a multi-fragment thought stream:
// once nothing has been heard for a full window across fragment
// boundaries, the whole turn is over. Driven by a fixed tick so the
// decision is independent of audio callback cadence.
type streamMonitor struct {
	endAt int // quiet ticks before the stream ends
	quiet int
}

func newStreamMonitor(window time.Duration) *streamMonitor {
	if window <= 0 {
		window = thoughtStreamEnd
	}
	return &streamMonitor{endAt: int(window / streamTickInterval)}
}

// Activity resets the quiet counter, e.g. when a fragment was just cut.
func (m *streamMonitor) Activity() {
	m.quiet = 0
}

func (m *streamMonitor) Tick(hasSpeech bool) StreamEvent {
	if hasSpeech {
		m.quiet = 0
		return StreamNone
	}
	m.quiet++
	if m.quiet >= m.endAt {
		m.quiet = 0
		return StreamEnd
	}
	return StreamNone
}
