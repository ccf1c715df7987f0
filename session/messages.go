package session

import "encoding/json"

// MessageType discriminates envelopes on the wire.
type MessageType string

// Outbound message types.
const (
	TypeAuth              MessageType = "auth"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeAudioChunk        MessageType = "audio_chunk"
	TypeTextInput         MessageType = "text_input"
	TypeCancel            MessageType = "cancel"
	TypeCommandInput      MessageType = "command_input"
	TypeBiometricResponse MessageType = "biometric_response"
)

// Inbound message types.
const (
	TypeAuthOK                MessageType = "auth_ok"
	TypeAuthErr               MessageType = "auth_err"
	TypeHeartbeatAck          MessageType = "heartbeat_ack"
	TypeTranscriptPartial     MessageType = "transcript_partial"
	TypeTranscriptFinal       MessageType = "transcript_final"
	TypeFragmentAck           MessageType = "fragment_ack"
	TypeDraftUpdate           MessageType = "draft_update"
	TypeTTSAudio              MessageType = "tts_audio"
	TypeClarificationQuestion MessageType = "clarification_question"
	TypeBiometricRequest      MessageType = "biometric_request"
	TypeExecuteBlocked        MessageType = "execute_blocked"
	TypePipelineStage         MessageType = "pipeline_stage"
	TypeSessionTerminated     MessageType = "session_terminated"
)

// Commands accepted by command_input.
const (
	CommandApprove       = "APPROVE"
	CommandDeclineChange = "DECLINE_CHANGE"
	CommandEndThought    = "END_THOUGHT"
)

// Envelope is the unit of protocol traffic in both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

type AuthOKPayload struct {
	SessionID         string `json:"session_id"`
	HasPendingMandate bool   `json:"has_pending_mandate,omitempty"`
}

type AuthErrPayload struct {
	Reason string `json:"reason"`
}

type HeartbeatPayload struct {
	Seq uint64 `json:"seq"`
}

type HeartbeatAckPayload struct {
	Seq uint64 `json:"seq"`
}

type AudioChunkPayload struct {
	SessionID  string `json:"session_id"`
	Audio      string `json:"audio"` // base64 16kHz mono PCM
	Seq        int    `json:"seq"`
	Timestamp  int64  `json:"timestamp"`
	DurationMS int64  `json:"duration_ms"`
}

type TextInputPayload struct {
	SessionID      string         `json:"session_id"`
	Text           string         `json:"text"`
	ContextCapsule map[string]any `json:"context_capsule,omitempty"`
}

type CancelPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type CommandInputPayload struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	DraftID   string `json:"draft_id,omitempty"`
}

type BiometricResponsePayload struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Method    string `json:"method"`
}

type BiometricRequestPayload struct {
	SessionID string `json:"session_id"`
}

type TranscriptPayload struct {
	Text string `json:"text"`
}

type FragmentAckPayload struct {
	FragmentText      string   `json:"fragment_text"`
	SubIntents        []string `json:"sub_intents,omitempty"`
	ChecklistProgress float64  `json:"checklist_progress,omitempty"`
}

type DraftUpdatePayload struct {
	ActionClass string  `json:"action_class"`
	Confidence  float64 `json:"confidence"`
	DraftID     string  `json:"draft_id"`
	Hypothesis  string  `json:"hypothesis"`
}

type TTSAudioPayload struct {
	Text            string `json:"text"`
	Audio           string `json:"audio,omitempty"` // base64, absent for mock
	IsMock          bool   `json:"is_mock"`
	AutoRecord      bool   `json:"auto_record"`
	UIMode          string `json:"ui_mode,omitempty"`
	AwaitingCommand bool   `json:"awaiting_command"`
	DraftID         string `json:"draft_id,omitempty"`
}

type ClarificationQuestionPayload struct {
	Question string `json:"question"`
}

type ExecuteBlockedPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// PipelineStagePayload reports one backend processing step for the
// progress display.
type PipelineStagePayload struct {
	StageIndex       int             `json:"stage_index"`
	Status           string          `json:"status"` // pending | active | done
	SubStatus        string          `json:"sub_status,omitempty"`
	Progress         float64         `json:"progress"`
	DeliveredTo      string          `json:"delivered_to,omitempty"`
	ResultType       string          `json:"result_type,omitempty"`
	StructuredResult json.RawMessage `json:"structured_result,omitempty"`
}

const (
	StagePending = "pending"
	StageActive  = "active"
	StageDone    = "done"
)
