package main

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/myndlens/myndlens-p-sub002/capture"
	"github.com/myndlens/myndlens-p-sub002/conversation"
	"github.com/myndlens/myndlens-p-sub002/session"
	"github.com/myndlens/myndlens-p-sub002/store"
)

// stageLabels is the fixed backend processing pipeline, indexed by the
// stage_index carried on pipeline_stage envelopes.
var stageLabels = [...]string{
	"capture",
	"transcribe",
	"intent",
	"context",
	"planning",
	"drafting",
	"validation",
	"approval",
	"execution",
	"delivery",
}

// stageWindowSize bounds the trailing completed-stage window handed to
// the sink. The full history stays in memory for resume.
const stageWindowSize = 4

// Recorder is the slice of the capture pipeline the orchestrator drives.
type Recorder interface {
	StartRecording(capture.Callbacks)
	StopRecording()
	IsRecording() bool
	TakeFragment() (capture.Fragment, bool)
}

// Conn is the slice of the session client the orchestrator drives.
type Conn interface {
	Connect(ctx context.Context) error
	Send(t session.MessageType, payload any) error
	On(t session.MessageType, fn session.Handler) func()
	IsAuthenticated() bool
	PresenceOK() bool
	CurrentSessionID() string
}

// PendingAction is a server-proposed action awaiting explicit approval.
// Nothing executes without the approve round-trip keyed by DraftID.
type PendingAction struct {
	Label   string
	DraftID string
}

type OrchestratorConfig struct {
	// FragmentLoop selects the multi-fragment thought-stream capture
	// cycle; false gives one-shot utterances that commit on the first
	// fragment.
	FragmentLoop bool

	EnergyThreshold float64       // speech cut for the stream monitor
	SilenceDuration time.Duration // VAD silence window, used to size the utterance
	NoiseFloor      time.Duration // VAD fragments with less speech than this are echo
	EarlyStop       time.Duration // manual stops earlier than this cancel the capture
	StreamEndAfter  time.Duration // continued silence across fragments that ends the turn
	Debounce        time.Duration // background/foreground flicker window
	SnapshotTTL     time.Duration // how long a persisted pipeline snapshot stays restorable
	Greeting        string        // spoken once after first auth, empty disables

	// TickInterval paces the thought-stream monitor. Zero picks the
	// default; negative disables the internal ticker so the host drives
	// streamTick itself.
	TickInterval time.Duration
}

func (c *OrchestratorConfig) fillDefaults() {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.015
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 3 * time.Second
	}
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = time.Second
	}
	if c.EarlyStop <= 0 {
		c.EarlyStop = 1500 * time.Millisecond
	}
	if c.StreamEndAfter <= 0 {
		c.StreamEndAfter = thoughtStreamEnd
	}
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 5 * time.Minute
	}
	if c.TickInterval == 0 {
		c.TickInterval = streamTickInterval
	}
}

// OrchestratorDeps are the collaborators wired in at startup. Sink and
// Player fall back to no-ops; Capsule and Auth are optional capabilities.
type OrchestratorDeps struct {
	Recorder Recorder
	Conn     Conn
	Sink     EventSink
	Player   Player
	Store    *store.Store
	Capsule  CapsuleBuilder
	Auth     Authenticator
	Logger   zerolog.Logger
}

// Orchestrator wires the capture pipeline, the VAD-driven fragment loop,
// the conversation state machine, and the session client into the
// capture cycle the talk surface delegates to.
type Orchestrator struct {
	cfg     OrchestratorConfig
	rec     Recorder
	conn    Conn
	sink    EventSink
	player  Player
	st      *store.Store
	capsule CapsuleBuilder
	auth    Authenticator
	logger  zerolog.Logger
	now     func() time.Time

	machine *conversation.Machine

	mu              sync.Mutex
	micBusy         bool
	focused         bool
	greeted         bool
	fragmentCount   int
	turns           int
	recordingStart  time.Time
	backgroundAt    time.Time
	speechSinceTick bool
	stream          *streamMonitor
	streamStop      chan struct{}
	completed       []string
	activeStage     int
	activeSub       string
	activeProgress  float64
	pending         *PendingAction
	unsubs          []func()
}

func NewOrchestrator(cfg OrchestratorConfig, d OrchestratorDeps) *Orchestrator {
	cfg.fillDefaults()
	if d.Sink == nil {
		d.Sink = NopSink{}
	}
	if d.Player == nil {
		d.Player = NopPlayer{}
	}
	return &Orchestrator{
		cfg:         cfg,
		rec:         d.Recorder,
		conn:        d.Conn,
		sink:        d.Sink,
		player:      d.Player,
		st:          d.Store,
		capsule:     d.Capsule,
		auth:        d.Auth,
		logger:      d.Logger,
		now:         time.Now,
		machine:     conversation.NewMachine(d.Logger),
		focused:     true,
		activeStage: -1,
	}
}

// Start subscribes to the inbound protocol. Call once, before Connect.
func (o *Orchestrator) Start() {
	sub := func(t session.MessageType, fn session.Handler) {
		o.unsubs = append(o.unsubs, o.conn.On(t, fn))
	}
	sub(session.TypeAuthOK, o.onAuthOK)
	sub(session.TypeTranscriptPartial, o.onTranscriptPartial)
	sub(session.TypeTranscriptFinal, o.onTranscriptFinal)
	sub(session.TypeFragmentAck, o.onFragmentAck)
	sub(session.TypeDraftUpdate, o.onDraftUpdate)
	sub(session.TypeTTSAudio, o.onTTSAudio)
	sub(session.TypeClarificationQuestion, o.onClarification)
	sub(session.TypeBiometricRequest, o.onBiometricRequest)
	sub(session.TypeExecuteBlocked, o.onExecuteBlocked)
	sub(session.TypePipelineStage, o.onPipelineStage)
	sub(session.TypeSessionTerminated, o.onSessionTerminated)
}

// Close unsubscribes and tears down any in-flight capture or playback.
func (o *Orchestrator) Close() {
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.unsubs = nil
	o.stopStreamTicker()
	o.rec.StopRecording()
	o.player.Stop()
}

func (o *Orchestrator) State() conversation.State { return o.machine.State() }

func (o *Orchestrator) FragmentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fragmentCount
}

// Turns counts completed capture turns, for the shutdown summary.
func (o *Orchestrator) Turns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turns
}

// CompletedStages returns the full ordered stage history, not just the
// display window.
func (o *Orchestrator) CompletedStages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.completed...)
}

// Pending returns a copy of the action awaiting approval, if any.
func (o *Orchestrator) Pending() (PendingAction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return PendingAction{}, false
	}
	return *o.pending, true
}

// SetFocused tracks whether this surface is the foregrounded, focused
// one; session_terminated only notifies the caller when it is.
func (o *Orchestrator) SetFocused(focused bool) {
	o.mu.Lock()
	o.focused = focused
	o.mu.Unlock()
}

// to applies a table transition and mirrors it to the sink.
func (o *Orchestrator) to(s conversation.State) bool {
	from := o.machine.State()
	if !o.machine.Transition(s) {
		return false
	}
	o.sink.StateChanged(from, s)
	return true
}

// force is the barge-in/hard-reset path that bypasses the table.
func (o *Orchestrator) force(s conversation.State) {
	from := o.machine.State()
	o.machine.Force(s)
	o.sink.StateChanged(from, s)
}

// TapMic is the talk surface's single gesture. From IDLE it begins a
// capture; while RESPONDING it barges in over playback; while capturing
// it is a manual end-of-thought.
func (o *Orchestrator) TapMic() {
	o.mu.Lock()
	busy := o.micBusy
	o.mu.Unlock()
	if busy {
		o.logger.Debug().Msg("mic tap ignored, mic busy")
		return
	}

	switch o.machine.State() {
	case conversation.Idle:
		if !o.to(conversation.Listening) {
			return
		}
		if !o.to(conversation.Capturing) {
			return
		}
		o.beginCapture()
	case conversation.Responding:
		o.player.Stop()
		o.force(conversation.Capturing)
		o.beginCapture()
	case conversation.Capturing, conversation.Accumulating:
		o.EndThought()
	default:
		o.logger.Debug().
			Stringer("state", o.machine.State()).
			Msg("mic tap ignored")
	}
}

func (o *Orchestrator) beginCapture() {
	now := o.now()
	o.mu.Lock()
	o.fragmentCount = 0
	o.completed = o.completed[:0]
	o.activeStage = -1
	o.activeSub = ""
	o.activeProgress = 0
	o.pending = nil
	o.recordingStart = now
	o.speechSinceTick = false
	o.mu.Unlock()
	if o.st != nil {
		o.st.ClearPipelineSnapshot()
	}

	o.rec.StartRecording(capture.Callbacks{
		OnEnergy:      o.onEnergy,
		OnFragmentEnd: o.onFragmentEnd,
	})
	if o.cfg.FragmentLoop {
		o.startStreamTicker()
	}
}

func (o *Orchestrator) onEnergy(rms float64) {
	o.mu.Lock()
	if rms >= o.cfg.EnergyThreshold {
		o.speechSinceTick = true
	}
	o.mu.Unlock()
	o.sink.AudioLevel(rms)
}

// onFragmentEnd handles a VAD-cut utterance. The buffered fragment
// includes the trailing silence window, so the speech portion is the
// duration minus that window; anything under the noise floor is the
// device hearing itself and is dropped without touching state.
func (o *Orchestrator) onFragmentEnd(frag capture.Fragment) {
	speech := time.Duration(frag.DurationMS)*time.Millisecond - o.cfg.SilenceDuration
	if speech < o.cfg.NoiseFloor {
		o.logger.Debug().
			Int64("duration_ms", frag.DurationMS).
			Msg("fragment discarded as noise")
		return
	}

	if !o.cfg.FragmentLoop {
		o.rec.StopRecording()
		o.sendFragment(frag)
		if o.to(conversation.Committing) {
			o.sendEndThought()
			o.to(conversation.Thinking)
			o.bumpTurns()
		}
		return
	}

	// Thought stream: hold in ACCUMULATING while the fragment ships,
	// then drop straight back into CAPTURING so no speech is lost.
	if o.machine.State() == conversation.Capturing {
		o.to(conversation.Accumulating)
	}
	o.sendFragment(frag)
	o.mu.Lock()
	if o.stream != nil {
		o.stream.Activity()
	}
	o.mu.Unlock()
	o.to(conversation.Capturing)
}

func (o *Orchestrator) sendFragment(frag capture.Fragment) {
	o.mu.Lock()
	o.fragmentCount++
	seq := o.fragmentCount
	o.mu.Unlock()

	payload := session.AudioChunkPayload{
		SessionID:  o.conn.CurrentSessionID(),
		Audio:      base64.StdEncoding.EncodeToString(frag.PCM),
		Seq:        seq,
		Timestamp:  frag.StartedAt.UnixMilli(),
		DurationMS: frag.DurationMS,
	}
	if err := o.conn.Send(session.TypeAudioChunk, payload); err != nil {
		o.logger.Error().Err(err).Int("seq", seq).Msg("audio chunk send failed")
	}
}

func (o *Orchestrator) sendEndThought() {
	err := o.conn.Send(session.TypeCommandInput, session.CommandInputPayload{
		SessionID: o.conn.CurrentSessionID(),
		Command:   session.CommandEndThought,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("end-thought send failed")
	}
}

func (o *Orchestrator) bumpTurns() {
	o.mu.Lock()
	o.turns++
	o.mu.Unlock()
}

func (o *Orchestrator) startStreamTicker() {
	o.mu.Lock()
	o.stream = newStreamMonitor(o.cfg.StreamEndAfter)
	if o.cfg.TickInterval < 0 || o.streamStop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.streamStop = stop
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(o.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.streamTick()
			}
		}
	}()
}

func (o *Orchestrator) stopStreamTicker() {
	o.mu.Lock()
	if o.streamStop != nil {
		close(o.streamStop)
		o.streamStop = nil
	}
	o.stream = nil
	o.mu.Unlock()
}

// streamTick advances the thought-stream-end monitor by one interval.
func (o *Orchestrator) streamTick() {
	o.mu.Lock()
	mon := o.stream
	spoke := o.speechSinceTick
	o.speechSinceTick = false
	o.mu.Unlock()
	if mon == nil {
		return
	}
	if mon.Tick(spoke) == StreamEnd {
		o.logger.Info().Msg("thought stream ended by silence")
		o.endTurn()
	}
}

// endTurn closes a thought-stream turn: the silence timer expired across
// fragments, so stop capturing and hand the turn to the backend. A turn
// that never produced a fragment has nothing to commit; it cancels back
// to IDLE like an early stop would.
func (o *Orchestrator) endTurn() {
	o.stopStreamTicker()
	o.rec.StopRecording()

	o.mu.Lock()
	fragments := o.fragmentCount
	o.mu.Unlock()
	if fragments == 0 {
		o.logger.Debug().Msg("empty thought stream, capture cancelled")
		o.to(conversation.Idle)
		return
	}

	if o.machine.State() == conversation.Capturing {
		if !o.to(conversation.Accumulating) {
			return
		}
	}
	if o.machine.State() != conversation.Accumulating {
		return
	}
	o.sendEndThought()
	o.to(conversation.Thinking)
	o.bumpTurns()
}

// EndThought is the manual stop gesture. Before the early-stop window it
// means "changed my mind": tear down and send nothing. After it, cut
// whatever is buffered, ship it, and commit the turn.
func (o *Orchestrator) EndThought() {
	now := o.now()
	o.mu.Lock()
	started := o.recordingStart
	o.mu.Unlock()

	o.stopStreamTicker()

	if now.Sub(started) < o.cfg.EarlyStop {
		o.logger.Debug().
			Dur("elapsed", now.Sub(started)).
			Msg("early stop, capture cancelled")
		o.rec.StopRecording()
		o.mu.Lock()
		o.fragmentCount = 0
		o.mu.Unlock()
		o.to(conversation.Idle)
		return
	}

	frag, ok := o.rec.TakeFragment()
	o.rec.StopRecording()

	switch o.machine.State() {
	case conversation.Capturing:
		if ok {
			o.sendFragment(frag)
		}
		if o.to(conversation.Committing) {
			o.sendEndThought()
			o.to(conversation.Thinking)
			o.bumpTurns()
		}
	case conversation.Accumulating:
		if ok {
			o.sendFragment(frag)
		}
		o.sendEndThought()
		o.to(conversation.Thinking)
		o.bumpTurns()
	}
}

// Kill is the sanctioned abort: stop capture and playback, tell the
// server, and hard-reset to IDLE.
func (o *Orchestrator) Kill() {
	o.stopStreamTicker()
	o.rec.StopRecording()
	o.player.Stop()

	o.mu.Lock()
	o.pending = nil
	o.fragmentCount = 0
	o.mu.Unlock()

	if o.conn.IsAuthenticated() {
		err := o.conn.Send(session.TypeCancel, session.CancelPayload{
			SessionID: o.conn.CurrentSessionID(),
			Reason:    "user_kill",
		})
		if err != nil {
			o.logger.Warn().Err(err).Msg("cancel send failed")
		}
	}
	o.force(conversation.Idle)
}

// Approve executes the pending action. No-op when nothing is pending.
// Execution needs live presence: with heartbeat acks stale the command
// would land on a session the server may already consider gone, so the
// action stays pending and the caller is told to retry.
func (o *Orchestrator) Approve() {
	o.mu.Lock()
	p := o.pending
	o.mu.Unlock()
	if p == nil {
		o.logger.Debug().Msg("approve ignored, nothing pending")
		return
	}
	if !o.conn.PresenceOK() {
		o.logger.Warn().Str("draft_id", p.DraftID).Msg("approve blocked, presence stale")
		o.sink.ExecuteBlocked("presence_stale", "connection is stale, try again in a moment")
		return
	}
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
	err := o.conn.Send(session.TypeCommandInput, session.CommandInputPayload{
		SessionID: o.conn.CurrentSessionID(),
		Command:   session.CommandApprove,
		DraftID:   p.DraftID,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("draft_id", p.DraftID).Msg("approve send failed")
	}
}

// Decline rejects the pending action.
func (o *Orchestrator) Decline() {
	o.mu.Lock()
	p := o.pending
	o.pending = nil
	o.mu.Unlock()
	if p == nil {
		o.logger.Debug().Msg("decline ignored, nothing pending")
		return
	}
	err := o.conn.Send(session.TypeCommandInput, session.CommandInputPayload{
		SessionID: o.conn.CurrentSessionID(),
		Command:   session.CommandDeclineChange,
		DraftID:   p.DraftID,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("draft_id", p.DraftID).Msg("decline send failed")
	}
}

// SendText submits a typed utterance instead of audio, walking the same
// lifecycle a spoken turn would.
func (o *Orchestrator) SendText(text string) error {
	payload := session.TextInputPayload{
		SessionID: o.conn.CurrentSessionID(),
		Text:      text,
	}
	if o.capsule != nil {
		payload.ContextCapsule = o.capsule.Build()
	}
	if err := o.conn.Send(session.TypeTextInput, payload); err != nil {
		return err
	}
	if o.machine.State() == conversation.Idle {
		o.to(conversation.Listening)
		o.to(conversation.Capturing)
		o.to(conversation.Committing)
		o.to(conversation.Thinking)
		o.bumpTurns()
	}
	return nil
}

// EnterBackground stops live capture/playback and persists the minimal
// pipeline snapshot so an app switch or phone call keeps visible progress.
func (o *Orchestrator) EnterBackground() {
	now := o.now()
	o.mu.Lock()
	o.backgroundAt = now
	o.mu.Unlock()

	o.stopStreamTicker()
	o.rec.StopRecording()
	o.player.Stop()

	o.mu.Lock()
	snap := store.Snapshot{
		CompletedStages: append([]string(nil), o.completed...),
		ActiveStage:     o.activeStage,
		SavedAt:         now.UnixMilli(),
	}
	if o.pending != nil {
		snap.PendingDraftID = o.pending.DraftID
	}
	o.mu.Unlock()

	if o.st == nil {
		return
	}
	if err := o.st.SetPipelineSnapshot(snap); err != nil {
		o.logger.Warn().Err(err).Msg("pipeline snapshot persist failed")
	}
}

// EnterForeground restores persisted pipeline state and, if the session
// dropped while backgrounded, reconnects silently before falling back to
// a disruptive re-auth surface. Transitions shorter than the debounce
// window are recording-stop flicker and are ignored.
func (o *Orchestrator) EnterForeground() {
	now := o.now()
	o.mu.Lock()
	bg := o.backgroundAt
	o.mu.Unlock()
	if !bg.IsZero() && now.Sub(bg) < o.cfg.Debounce {
		o.logger.Debug().Msg("foreground flicker ignored")
		return
	}

	o.restoreSnapshot()

	if !o.conn.IsAuthenticated() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.conn.Connect(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("silent reconnect failed")
			o.sink.SessionLost(!errors.Is(err, session.ErrAuthRejected))
		}
	}
}

func (o *Orchestrator) restoreSnapshot() bool {
	if o.st == nil {
		return false
	}
	snap, ok := o.st.PipelineSnapshot()
	if !ok {
		return false
	}
	if o.now().UnixMilli()-snap.SavedAt > o.cfg.SnapshotTTL.Milliseconds() {
		o.st.ClearPipelineSnapshot()
		return false
	}

	o.mu.Lock()
	o.completed = append(o.completed[:0], snap.CompletedStages...)
	o.activeStage = snap.ActiveStage
	if snap.PendingDraftID != "" {
		o.pending = &PendingAction{DraftID: snap.PendingDraftID}
	}
	o.mu.Unlock()
	o.emitStageWindow()
	return true
}

func (o *Orchestrator) onAuthOK(env session.Envelope) {
	var p session.AuthOKPayload
	if err := env.Decode(&p); err != nil {
		o.logger.Error().Err(err).Msg("auth_ok decode failed")
		return
	}
	if o.st != nil {
		if err := o.st.SetSessionID(p.SessionID); err != nil {
			o.logger.Warn().Err(err).Msg("session id persist failed")
		}
	}

	restored := o.restoreSnapshot()
	if p.HasPendingMandate || restored {
		// A pipeline is already mid-flight; skip the greeting and let
		// the stage events redraw progress.
		return
	}

	o.mu.Lock()
	greeted := o.greeted
	o.greeted = true
	o.mu.Unlock()
	if greeted || o.cfg.Greeting == "" {
		return
	}

	// Greeting playback holds the mic-busy guard so a tap cannot start
	// a capture over it. Failures here never block the capture path.
	o.mu.Lock()
	o.micBusy = true
	o.mu.Unlock()
	o.player.Play(o.cfg.Greeting, nil, func() {
		o.mu.Lock()
		o.micBusy = false
		o.mu.Unlock()
	})
}

func (o *Orchestrator) onTranscriptPartial(env session.Envelope) {
	var p session.TranscriptPayload
	if env.Decode(&p) == nil {
		o.sink.PartialTranscript(p.Text)
	}
}

func (o *Orchestrator) onTranscriptFinal(env session.Envelope) {
	var p session.TranscriptPayload
	if env.Decode(&p) == nil {
		o.sink.FinalTranscript(p.Text)
	}
}

func (o *Orchestrator) onFragmentAck(env session.Envelope) {
	var p session.FragmentAckPayload
	if env.Decode(&p) == nil {
		o.sink.FragmentAck(p.FragmentText, p.ChecklistProgress)
	}
}

func (o *Orchestrator) onDraftUpdate(env session.Envelope) {
	var p session.DraftUpdatePayload
	if err := env.Decode(&p); err != nil {
		o.logger.Error().Err(err).Msg("draft_update decode failed")
		return
	}
	label := p.ActionClass
	if label == "" {
		label = p.Hypothesis
	}
	o.mu.Lock()
	o.pending = &PendingAction{Label: label, DraftID: p.DraftID}
	o.mu.Unlock()
	o.sink.DraftProposed(label, p.DraftID, p.Confidence)
}

func (o *Orchestrator) onTTSAudio(env session.Envelope) {
	var p session.TTSAudioPayload
	if err := env.Decode(&p); err != nil {
		o.logger.Error().Err(err).Msg("tts_audio decode failed")
		return
	}

	if p.AwaitingCommand && p.DraftID != "" {
		o.mu.Lock()
		o.pending = &PendingAction{Label: p.Text, DraftID: p.DraftID}
		o.mu.Unlock()
	}

	switch o.machine.State() {
	case conversation.Thinking, conversation.Capturing:
		o.to(conversation.Responding)
	case conversation.Responding:
	default:
		o.logger.Debug().
			Stringer("state", o.machine.State()).
			Msg("tts in unexpected state, playing without transition")
	}

	var pcm []byte
	if p.Audio != "" && !p.IsMock {
		decoded, err := base64.StdEncoding.DecodeString(p.Audio)
		if err != nil {
			o.logger.Warn().Err(err).Msg("tts audio decode failed, using text only")
		} else {
			pcm = decoded
		}
	}
	autoRecord := p.AutoRecord
	o.player.Play(p.Text, pcm, func() { o.playbackDone(autoRecord) })
}

func (o *Orchestrator) playbackDone(autoRecord bool) {
	if o.machine.State() != conversation.Responding {
		// Barge-in or kill already moved the conversation on.
		return
	}
	if autoRecord {
		if o.to(conversation.Capturing) {
			o.beginCapture()
		}
		return
	}
	o.to(conversation.Idle)
}

func (o *Orchestrator) onClarification(env session.Envelope) {
	var p session.ClarificationQuestionPayload
	if env.Decode(&p) == nil {
		o.sink.Clarification(p.Question)
	}
}

func (o *Orchestrator) onBiometricRequest(env session.Envelope) {
	var p session.BiometricRequestPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	success, method := false, "unavailable"
	if o.auth != nil {
		success, method = o.auth.Confirm()
	}
	err := o.conn.Send(session.TypeBiometricResponse, session.BiometricResponsePayload{
		SessionID: o.conn.CurrentSessionID(),
		Success:   success,
		Method:    method,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("biometric response send failed")
	}
}

func (o *Orchestrator) onExecuteBlocked(env session.Envelope) {
	var p session.ExecuteBlockedPayload
	if env.Decode(&p) == nil {
		o.sink.ExecuteBlocked(p.Code, p.Reason)
	}
}

// onPipelineStage reconciles server-pushed progress. Completed stages
// accumulate idempotently; the active pointer is a single value.
func (o *Orchestrator) onPipelineStage(env session.Envelope) {
	var p session.PipelineStagePayload
	if err := env.Decode(&p); err != nil {
		o.logger.Error().Err(err).Msg("pipeline_stage decode failed")
		return
	}
	if p.StageIndex < 0 || p.StageIndex >= len(stageLabels) {
		o.logger.Warn().Int("stage_index", p.StageIndex).Msg("unknown pipeline stage")
		return
	}
	label := stageLabels[p.StageIndex]

	o.mu.Lock()
	switch p.Status {
	case session.StageDone:
		seen := false
		for _, c := range o.completed {
			if c == label {
				seen = true
				break
			}
		}
		if !seen {
			o.completed = append(o.completed, label)
		}
		if o.activeStage == p.StageIndex {
			o.activeStage = -1
			o.activeSub = ""
			o.activeProgress = 0
		}
	case session.StageActive:
		o.activeStage = p.StageIndex
		o.activeSub = p.SubStatus
		o.activeProgress = p.Progress
	}
	o.mu.Unlock()

	o.emitStageWindow()
	if p.DeliveredTo != "" {
		o.sink.Notice("delivered to " + p.DeliveredTo)
	}
}

func (o *Orchestrator) emitStageWindow() {
	o.mu.Lock()
	window := o.completed
	if len(window) > stageWindowSize {
		window = window[len(window)-stageWindowSize:]
	}
	completed := append([]string(nil), window...)
	active := ""
	if o.activeStage >= 0 && o.activeStage < len(stageLabels) {
		active = stageLabels[o.activeStage]
	}
	sub, progress := o.activeSub, o.activeProgress
	o.mu.Unlock()

	o.sink.StageWindow(completed, active, sub, progress)
}

// onSessionTerminated forcibly resets everything local; the caller is
// told to re-establish a session only when this surface is focused.
func (o *Orchestrator) onSessionTerminated(session.Envelope) {
	o.stopStreamTicker()
	o.rec.StopRecording()
	o.player.Stop()

	o.mu.Lock()
	o.fragmentCount = 0
	o.completed = o.completed[:0]
	o.activeStage = -1
	o.activeSub = ""
	o.activeProgress = 0
	o.pending = nil
	focused := o.focused
	o.mu.Unlock()

	if o.st != nil {
		o.st.ClearPipelineSnapshot()
	}
	o.force(conversation.Idle)
	o.logger.Warn().Msg("session terminated by server")
	if focused {
		o.sink.SessionLost(true)
	}
}
