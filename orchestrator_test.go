package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/myndlens/myndlens-p-sub002/capture"
	"github.com/myndlens/myndlens-p-sub002/conversation"
	"github.com/myndlens/myndlens-p-sub002/session"
	"github.com/myndlens/myndlens-p-sub002/store"
)

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	starts    int
	stops     int
	cbs       capture.Callbacks
	frag      capture.Fragment
	hasFrag   bool
}

func (r *fakeRecorder) StartRecording(cbs capture.Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return
	}
	r.recording = true
	r.starts++
	r.cbs = cbs
}

func (r *fakeRecorder) StopRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	r.stops++
	r.cbs = capture.Callbacks{}
}

func (r *fakeRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) TakeFragment() (capture.Fragment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasFrag {
		return capture.Fragment{}, false
	}
	r.hasFrag = false
	return r.frag, true
}

func (r *fakeRecorder) emitFragment(f capture.Fragment) {
	r.mu.Lock()
	cb := r.cbs.OnFragmentEnd
	r.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

func (r *fakeRecorder) emitEnergy(rms float64) {
	r.mu.Lock()
	cb := r.cbs.OnEnergy
	r.mu.Unlock()
	if cb != nil {
		cb(rms)
	}
}

type sentMsg struct {
	Type    session.MessageType
	Payload any
}

type fakeConn struct {
	mu         sync.Mutex
	sends      []sentMsg
	subs       map[session.MessageType][]session.Handler
	authed     bool
	stale      bool
	sessionID  string
	connects   int
	connectErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		subs:      make(map[session.MessageType][]session.Handler),
		authed:    true,
		sessionID: "sess-1",
	}
}

func (c *fakeConn) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.authed = true
	return nil
}

func (c *fakeConn) Send(t session.MessageType, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed {
		return session.ErrNotAuthenticated
	}
	c.sends = append(c.sends, sentMsg{Type: t, Payload: payload})
	return nil
}

func (c *fakeConn) On(t session.MessageType, fn session.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[t] = append(c.subs[t], fn)
	return func() {}
}

func (c *fakeConn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *fakeConn) PresenceOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed && !c.stale
}

func (c *fakeConn) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *fakeConn) push(t *testing.T, typ session.MessageType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("push marshal: %v", err)
	}
	c.mu.Lock()
	handlers := append([]session.Handler(nil), c.subs[typ]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(session.Envelope{Type: typ, Payload: raw})
	}
}

func (c *fakeConn) sendsOf(typ session.MessageType) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, s := range c.sends {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type testSink struct {
	NopSink
	mu      sync.Mutex
	states  []conversation.State
	windows [][]string
	actives []string
	lost    []bool
	blocked []string
}

func (s *testSink) StateChanged(_, to conversation.State) {
	s.mu.Lock()
	s.states = append(s.states, to)
	s.mu.Unlock()
}

func (s *testSink) StageWindow(completed []string, active, _ string, _ float64) {
	s.mu.Lock()
	s.windows = append(s.windows, append([]string(nil), completed...))
	s.actives = append(s.actives, active)
	s.mu.Unlock()
}

func (s *testSink) ExecuteBlocked(code, _ string) {
	s.mu.Lock()
	s.blocked = append(s.blocked, code)
	s.mu.Unlock()
}

func (s *testSink) SessionLost(reconnectable bool) {
	s.mu.Lock()
	s.lost = append(s.lost, reconnectable)
	s.mu.Unlock()
}

type fakePlayer struct {
	mu    sync.Mutex
	plays []string
	stops int
	done  func()
}

func (p *fakePlayer) Play(text string, _ []byte, done func()) {
	p.mu.Lock()
	p.plays = append(p.plays, text)
	p.done = done
	p.mu.Unlock()
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	p.stops++
	p.done = nil
	p.mu.Unlock()
}

func (p *fakePlayer) finish() {
	p.mu.Lock()
	d := p.done
	p.done = nil
	p.mu.Unlock()
	if d != nil {
		d()
	}
}

type orchHarness struct {
	o      *Orchestrator
	rec    *fakeRecorder
	conn   *fakeConn
	sink   *testSink
	player *fakePlayer
	st     *store.Store
	clock  time.Time
}

func newOrchHarness(t *testing.T, cfg OrchestratorConfig) *orchHarness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h := &orchHarness{
		rec:    &fakeRecorder{},
		conn:   newFakeConn(),
		sink:   &testSink{},
		player: &fakePlayer{},
		st:     st,
		clock:  time.Unix(9000, 0),
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = -1 // tests drive streamTick themselves
	}
	h.o = NewOrchestrator(cfg, OrchestratorDeps{
		Recorder: h.rec,
		Conn:     h.conn,
		Sink:     h.sink,
		Player:   h.player,
		Store:    st,
		Logger:   zerolog.Nop(),
	})
	h.o.now = func() time.Time { return h.clock }
	h.o.Start()
	return h
}

func (h *orchHarness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *orchHarness) wantState(t *testing.T, want conversation.State) {
	t.Helper()
	if got := h.o.State(); got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
}

func TestTapMicStartsCaptureFromIdle(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()
	h.wantState(t, conversation.Capturing)
	if h.rec.starts != 1 {
		t.Fatalf("recorder starts = %d", h.rec.starts)
	}
}

func TestSingleShotTurn(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: false})

	h.o.TapMic()
	h.wantState(t, conversation.Capturing)

	h.advance(5500 * time.Millisecond)
	h.rec.emitFragment(capture.Fragment{
		PCM: []byte{1, 2, 3}, DurationMS: 5500, StartedAt: h.clock,
	})

	h.wantState(t, conversation.Thinking)
	if h.rec.IsRecording() {
		t.Fatal("recorder must be stopped after the turn committed")
	}
	chunks := h.conn.sendsOf(session.TypeAudioChunk)
	if len(chunks) != 1 {
		t.Fatalf("audio chunks = %d, want 1", len(chunks))
	}
	ac := chunks[0].Payload.(session.AudioChunkPayload)
	if ac.Seq != 1 || ac.DurationMS != 5500 {
		t.Fatalf("chunk payload = %+v", ac)
	}
	cmds := h.conn.sendsOf(session.TypeCommandInput)
	if len(cmds) != 1 || cmds[0].Payload.(session.CommandInputPayload).Command != session.CommandEndThought {
		t.Fatalf("commands = %+v", cmds)
	}

	h.conn.push(t, session.TypeTTSAudio, session.TTSAudioPayload{
		Text: "done", IsMock: true, AutoRecord: false,
	})
	h.wantState(t, conversation.Responding)
	if len(h.player.plays) != 1 || h.player.plays[0] != "done" {
		t.Fatalf("plays = %v", h.player.plays)
	}

	h.player.finish()
	h.wantState(t, conversation.Idle)
	if h.o.Turns() != 1 {
		t.Fatalf("turns = %d", h.o.Turns())
	}
}

func TestThoughtStreamTurn(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})

	h.o.TapMic()
	h.wantState(t, conversation.Capturing)

	for i := 0; i < 3; i++ {
		h.rec.emitEnergy(0.2)
		h.o.streamTick()
		h.advance(5500 * time.Millisecond)
		h.rec.emitFragment(capture.Fragment{
			PCM: []byte{byte(i)}, DurationMS: 5500, StartedAt: h.clock,
		})
		h.wantState(t, conversation.Capturing)

		// 1s gap between fragments, well inside the stream window
		for j := 0; j < 10; j++ {
			h.o.streamTick()
		}
		if h.o.State() != conversation.Capturing {
			t.Fatalf("turn ended during the inter-fragment gap, state %v", h.o.State())
		}
	}

	// 12s of total silence ends the whole turn.
	for j := 0; j < 120; j++ {
		h.o.streamTick()
	}

	h.wantState(t, conversation.Thinking)
	if got := h.o.FragmentCount(); got != 3 {
		t.Fatalf("fragmentCount = %d, want 3", got)
	}
	if got := len(h.conn.sendsOf(session.TypeAudioChunk)); got != 3 {
		t.Fatalf("audio chunk sends = %d, want 3", got)
	}
	cmds := h.conn.sendsOf(session.TypeCommandInput)
	if len(cmds) != 1 || cmds[0].Payload.(session.CommandInputPayload).Command != session.CommandEndThought {
		t.Fatalf("commands = %+v", cmds)
	}
	if h.rec.IsRecording() {
		t.Fatal("recorder still running after turn end")
	}

	// Fragment seq restarts with the next capture.
	h.o.machine.Force(conversation.Idle)
	h.o.TapMic()
	if h.o.FragmentCount() != 0 {
		t.Fatal("fragment counter not reset on new capture")
	}
}

func TestEmptyThoughtStreamCancelsWithoutCommit(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()
	h.wantState(t, conversation.Capturing)

	// 12s of silence with nothing ever spoken.
	for j := 0; j < 120; j++ {
		h.o.streamTick()
	}

	h.wantState(t, conversation.Idle)
	if h.rec.IsRecording() {
		t.Fatal("recorder still running after silent timeout")
	}
	if got := len(h.conn.sendsOf(session.TypeAudioChunk)); got != 0 {
		t.Fatalf("silent capture transmitted %d chunks", got)
	}
	if len(h.conn.sendsOf(session.TypeCommandInput)) != 0 {
		t.Fatal("silent capture committed a turn")
	}
	if h.o.Turns() != 0 {
		t.Fatalf("turns = %d, want 0", h.o.Turns())
	}
}

func TestNoiseFragmentDiscarded(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()

	// 3.5s fragment minus the 3s silence window leaves 500ms of speech,
	// under the noise floor.
	h.rec.emitFragment(capture.Fragment{PCM: []byte{9}, DurationMS: 3500})

	h.wantState(t, conversation.Capturing)
	if got := len(h.conn.sendsOf(session.TypeAudioChunk)); got != 0 {
		t.Fatalf("noise fragment was sent, %d chunks", got)
	}
	if h.o.FragmentCount() != 0 {
		t.Fatal("noise fragment counted")
	}
}

func TestEarlyManualStopCancelsSilently(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()
	h.advance(800 * time.Millisecond)
	h.o.TapMic() // manual stop inside the early-stop window

	h.wantState(t, conversation.Idle)
	if h.rec.IsRecording() {
		t.Fatal("recorder still running after cancel")
	}
	if len(h.conn.sendsOf(session.TypeAudioChunk)) != 0 {
		t.Fatal("cancelled capture transmitted audio")
	}
	if len(h.conn.sendsOf(session.TypeCommandInput)) != 0 {
		t.Fatal("cancelled capture committed a turn")
	}
}

func TestManualStopCommitsBufferedFragment(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()
	h.advance(2 * time.Second)
	h.rec.mu.Lock()
	h.rec.frag = capture.Fragment{PCM: []byte{7}, DurationMS: 2000, StartedAt: h.clock}
	h.rec.hasFrag = true
	h.rec.mu.Unlock()

	h.o.TapMic()

	h.wantState(t, conversation.Thinking)
	if got := len(h.conn.sendsOf(session.TypeAudioChunk)); got != 1 {
		t.Fatalf("audio chunk sends = %d, want 1", got)
	}
	cmds := h.conn.sendsOf(session.TypeCommandInput)
	if len(cmds) != 1 || cmds[0].Payload.(session.CommandInputPayload).Command != session.CommandEndThought {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestBargeInInterruptsPlayback(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.machine.Force(conversation.Thinking)
	h.conn.push(t, session.TypeTTSAudio, session.TTSAudioPayload{
		Text: "long answer", IsMock: true,
	})
	h.wantState(t, conversation.Responding)

	h.o.TapMic()

	if h.player.stops != 1 {
		t.Fatalf("player stops = %d, want 1", h.player.stops)
	}
	h.wantState(t, conversation.Capturing)
	if !h.rec.IsRecording() {
		t.Fatal("barge-in did not start a capture")
	}
}

func TestAutoRecordChainsIntoNextCapture(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.machine.Force(conversation.Thinking)
	h.conn.push(t, session.TypeTTSAudio, session.TTSAudioPayload{
		Text: "anything else?", IsMock: true, AutoRecord: true,
	})
	h.wantState(t, conversation.Responding)

	h.player.finish()

	h.wantState(t, conversation.Capturing)
	if !h.rec.IsRecording() {
		t.Fatal("auto-record did not start a capture")
	}
}

func TestPipelineStageReconciliation(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})

	// Re-delivery of the same completed stage must not duplicate it.
	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 1, Status: session.StageDone,
	})
	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 1, Status: session.StageDone,
	})
	if got := h.o.CompletedStages(); len(got) != 1 || got[0] != "transcribe" {
		t.Fatalf("completed = %v, want [transcribe]", got)
	}

	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 2, Status: session.StageActive, SubStatus: "extracting", Progress: 0.4,
	})
	h.sink.mu.Lock()
	active := h.sink.actives[len(h.sink.actives)-1]
	h.sink.mu.Unlock()
	if active != "intent" {
		t.Fatalf("active stage = %q, want intent", active)
	}

	// The display window is bounded; the full history is not.
	for _, idx := range []int{0, 2, 3, 4, 5} {
		h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
			StageIndex: idx, Status: session.StageDone,
		})
	}
	if got := len(h.o.CompletedStages()); got != 6 {
		t.Fatalf("full history length = %d, want 6", got)
	}
	h.sink.mu.Lock()
	window := h.sink.windows[len(h.sink.windows)-1]
	h.sink.mu.Unlock()
	if len(window) != stageWindowSize {
		t.Fatalf("window = %v, want %d trailing entries", window, stageWindowSize)
	}
	if window[len(window)-1] != "drafting" {
		t.Fatalf("window = %v, want drafting last", window)
	}
}

func TestBackgroundSnapshotRestoredOnForeground(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.o.machine.Force(conversation.Thinking)
	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 0, Status: session.StageDone,
	})
	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 1, Status: session.StageDone,
	})
	want := h.o.CompletedStages()

	h.o.EnterBackground()

	// Simulate the process losing its in-memory view.
	h.o.mu.Lock()
	h.o.completed = nil
	h.o.mu.Unlock()

	h.advance(2 * time.Minute)
	h.o.EnterForeground()

	got := h.o.CompletedStages()
	if len(got) != len(want) {
		t.Fatalf("restored = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("restored = %v, want %v", got, want)
		}
	}
	h.wantState(t, conversation.Thinking)
}

func TestStaleSnapshotIsNotRestored(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 0, Status: session.StageDone,
	})
	h.o.EnterBackground()
	h.o.mu.Lock()
	h.o.completed = nil
	h.o.mu.Unlock()

	h.advance(6 * time.Minute)
	h.o.EnterForeground()

	if got := h.o.CompletedStages(); len(got) != 0 {
		t.Fatalf("stale snapshot restored: %v", got)
	}
	if _, ok := h.st.PipelineSnapshot(); ok {
		t.Fatal("stale snapshot not cleared")
	}
}

func TestForegroundFlickerDebounced(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.mu.Lock()
	h.conn.authed = false
	h.conn.mu.Unlock()

	h.o.EnterBackground()
	h.advance(500 * time.Millisecond)
	h.o.EnterForeground()
	if h.conn.connects != 0 {
		t.Fatal("flicker foreground triggered a reconnect")
	}

	h.advance(2 * time.Second)
	h.o.EnterForeground()
	if h.conn.connects != 1 {
		t.Fatalf("connects = %d, want 1 silent reconnect", h.conn.connects)
	}
	if !h.conn.IsAuthenticated() {
		t.Fatal("silent reconnect did not re-authenticate")
	}
}

func TestSilentReconnectFailureSurfacesSessionLost(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.mu.Lock()
	h.conn.authed = false
	h.conn.connectErr = session.ErrAuthRejected
	h.conn.mu.Unlock()

	h.o.EnterForeground()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.lost) != 1 || h.sink.lost[0] {
		t.Fatalf("lost events = %v, want one non-reconnectable", h.sink.lost)
	}
}

func TestApprovalGate(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.push(t, session.TypeDraftUpdate, session.DraftUpdatePayload{
		ActionClass: "send_email", Confidence: 0.92, DraftID: "d-1",
	})
	p, ok := h.o.Pending()
	if !ok || p.DraftID != "d-1" {
		t.Fatalf("pending = %+v, %v", p, ok)
	}

	h.o.Approve()
	cmds := h.conn.sendsOf(session.TypeCommandInput)
	if len(cmds) != 1 {
		t.Fatalf("commands = %d, want 1", len(cmds))
	}
	ci := cmds[0].Payload.(session.CommandInputPayload)
	if ci.Command != session.CommandApprove || ci.DraftID != "d-1" {
		t.Fatalf("approve payload = %+v", ci)
	}
	if _, ok := h.o.Pending(); ok {
		t.Fatal("pending not cleared on approve")
	}

	// Without a pending action nothing executes.
	h.o.Approve()
	if got := len(h.conn.sendsOf(session.TypeCommandInput)); got != 1 {
		t.Fatalf("double approve sent %d commands", got)
	}
}

func TestApproveBlockedWhilePresenceStale(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.push(t, session.TypeDraftUpdate, session.DraftUpdatePayload{
		ActionClass: "send_email", DraftID: "d-4",
	})

	h.conn.mu.Lock()
	h.conn.stale = true
	h.conn.mu.Unlock()
	h.o.Approve()

	if got := len(h.conn.sendsOf(session.TypeCommandInput)); got != 0 {
		t.Fatalf("approve sent %d commands on a stale connection", got)
	}
	if _, ok := h.o.Pending(); !ok {
		t.Fatal("pending dropped by a blocked approve")
	}
	h.sink.mu.Lock()
	blocked := append([]string(nil), h.sink.blocked...)
	h.sink.mu.Unlock()
	if len(blocked) != 1 || blocked[0] != "presence_stale" {
		t.Fatalf("blocked notices = %v", blocked)
	}

	// With presence back, the same approve goes through.
	h.conn.mu.Lock()
	h.conn.stale = false
	h.conn.mu.Unlock()
	h.o.Approve()
	cmds := h.conn.sendsOf(session.TypeCommandInput)
	if len(cmds) != 1 || cmds[0].Payload.(session.CommandInputPayload).DraftID != "d-4" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestDeclineClearsPending(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.push(t, session.TypeDraftUpdate, session.DraftUpdatePayload{DraftID: "d-2", Hypothesis: "draft reply"})
	h.o.Decline()

	cmds := h.conn.sendsOf(session.TypeCommandInput)
	if len(cmds) != 1 || cmds[0].Payload.(session.CommandInputPayload).Command != session.CommandDeclineChange {
		t.Fatalf("commands = %+v", cmds)
	}
	if _, ok := h.o.Pending(); ok {
		t.Fatal("pending survived decline")
	}
}

func TestKillAbortsEverything(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()
	h.conn.push(t, session.TypeDraftUpdate, session.DraftUpdatePayload{DraftID: "d-3"})

	h.o.Kill()

	h.wantState(t, conversation.Idle)
	if h.rec.IsRecording() {
		t.Fatal("recorder still running after kill")
	}
	if h.player.stops != 1 {
		t.Fatalf("player stops = %d", h.player.stops)
	}
	if _, ok := h.o.Pending(); ok {
		t.Fatal("pending survived kill")
	}
	cancels := h.conn.sendsOf(session.TypeCancel)
	if len(cancels) != 1 || cancels[0].Payload.(session.CancelPayload).Reason != "user_kill" {
		t.Fatalf("cancels = %+v", cancels)
	}
}

func TestSessionTerminatedResetsAndNotifiesWhenFocused(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{FragmentLoop: true})
	h.o.TapMic()
	h.conn.push(t, session.TypePipelineStage, session.PipelineStagePayload{
		StageIndex: 0, Status: session.StageDone,
	})

	h.conn.push(t, session.TypeSessionTerminated, struct{}{})

	h.wantState(t, conversation.Idle)
	if h.rec.IsRecording() {
		t.Fatal("recorder still running after termination")
	}
	if got := h.o.CompletedStages(); len(got) != 0 {
		t.Fatalf("stages survived termination: %v", got)
	}
	h.sink.mu.Lock()
	lost := append([]bool(nil), h.sink.lost...)
	h.sink.mu.Unlock()
	if len(lost) != 1 || !lost[0] {
		t.Fatalf("lost events = %v, want one reconnectable", lost)
	}
}

func TestSessionTerminatedSilentWhenUnfocused(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.o.SetFocused(false)
	h.conn.push(t, session.TypeSessionTerminated, struct{}{})

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.lost) != 0 {
		t.Fatalf("unfocused surface was notified: %v", h.sink.lost)
	}
}

func TestAuthOKGreetingPlaysOnceAndHoldsMic(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{Greeting: "hello"})
	h.conn.push(t, session.TypeAuthOK, session.AuthOKPayload{SessionID: "sess-9"})

	if len(h.player.plays) != 1 || h.player.plays[0] != "hello" {
		t.Fatalf("plays = %v", h.player.plays)
	}
	if h.st.SessionID() != "sess-9" {
		t.Fatalf("session id = %q", h.st.SessionID())
	}

	// Greeting holds the mic-busy guard.
	h.o.TapMic()
	h.wantState(t, conversation.Idle)
	if h.rec.starts != 0 {
		t.Fatal("tap started a capture during the greeting")
	}

	h.player.finish()
	h.o.TapMic()
	h.wantState(t, conversation.Capturing)

	// A reconnect does not replay the greeting.
	h.conn.push(t, session.TypeAuthOK, session.AuthOKPayload{SessionID: "sess-9"})
	if len(h.player.plays) != 1 {
		t.Fatalf("greeting replayed: %v", h.player.plays)
	}
}

func TestAuthOKSkipsGreetingWithPendingMandate(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{Greeting: "hello"})
	h.conn.push(t, session.TypeAuthOK, session.AuthOKPayload{
		SessionID: "sess-9", HasPendingMandate: true,
	})
	if len(h.player.plays) != 0 {
		t.Fatalf("greeting played over a pending mandate: %v", h.player.plays)
	}
}

func TestSendTextWalksLifecycle(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	if err := h.o.SendText("book a table"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	h.wantState(t, conversation.Thinking)

	texts := h.conn.sendsOf(session.TypeTextInput)
	if len(texts) != 1 {
		t.Fatalf("text sends = %d", len(texts))
	}
	ti := texts[0].Payload.(session.TextInputPayload)
	if ti.Text != "book a table" || ti.SessionID != "sess-1" {
		t.Fatalf("text payload = %+v", ti)
	}
}

type staticCapsule struct{}

func (staticCapsule) Build() map[string]any { return map[string]any{"tz": "UTC"} }

func TestSendTextAttachesContextCapsule(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.o.capsule = staticCapsule{}

	if err := h.o.SendText("remind me"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	ti := h.conn.sendsOf(session.TypeTextInput)[0].Payload.(session.TextInputPayload)
	if ti.ContextCapsule["tz"] != "UTC" {
		t.Fatalf("capsule = %v", ti.ContextCapsule)
	}
}

func TestBiometricRequestAnsweredBestEffort(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.conn.push(t, session.TypeBiometricRequest, session.BiometricRequestPayload{SessionID: "sess-1"})

	resps := h.conn.sendsOf(session.TypeBiometricResponse)
	if len(resps) != 1 {
		t.Fatalf("biometric responses = %d", len(resps))
	}
	br := resps[0].Payload.(session.BiometricResponsePayload)
	if br.Success || br.Method != "unavailable" {
		t.Fatalf("response = %+v, want graceful unavailable", br)
	}
}

func TestIllegalGestureIsAbsorbed(t *testing.T) {
	h := newOrchHarness(t, OrchestratorConfig{})
	h.o.machine.Force(conversation.Committing)
	h.o.TapMic() // no legal edge from COMMITTING for a tap
	h.wantState(t, conversation.Committing)
	if h.rec.starts != 0 {
		t.Fatal("illegal tap started a capture")
	}
}
