package main

import "github.com/myndlens/myndlens-p-sub002/conversation"

// EventSink abstracts the display layer so the console surface and any
// future GUI receive the same engine events. Sinks render state; they
// never mutate it.
type EventSink interface {
	StateChanged(from, to conversation.State)
	AudioLevel(level float64)
	PartialTranscript(text string)
	FinalTranscript(text string)
	FragmentAck(text string, checklistProgress float64)
	DraftProposed(label, draftID string, confidence float64)
	StageWindow(completed []string, active, subStatus string, progress float64)
	Clarification(question string)
	ExecuteBlocked(code, reason string)
	SessionLost(reconnectable bool)
	Notice(text string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StateChanged(_, _ conversation.State)          {}
func (NopSink) AudioLevel(float64)                            {}
func (NopSink) PartialTranscript(string)                      {}
func (NopSink) FinalTranscript(string)                        {}
func (NopSink) FragmentAck(string, float64)                   {}
func (NopSink) DraftProposed(string, string, float64)         {}
func (NopSink) StageWindow([]string, string, string, float64) {}
func (NopSink) Clarification(string)                          {}
func (NopSink) ExecuteBlocked(string, string)                 {}
func (NopSink) SessionLost(bool)                              {}
func (NopSink) Notice(string)                                 {}

// Player speaks synthesized responses. Play invokes done exactly once
// when playback completes naturally; Stop interrupts playback without
// completing it.
type Player interface {
	Play(text string, audio []byte, done func())
	Stop()
}

// NopPlayer completes playback immediately.
type NopPlayer struct{}

func (NopPlayer) Play(_ string, _ []byte, done func()) { done() }
func (NopPlayer) Stop()                                {}

// CapsuleBuilder optionally enriches text input with ambient context.
// Resolved once at startup; absent means no capsule is attached.
type CapsuleBuilder interface {
	Build() map[string]any
}

// Authenticator optionally answers biometric confirmation requests.
type Authenticator interface {
	Confirm() (success bool, method string)
}
