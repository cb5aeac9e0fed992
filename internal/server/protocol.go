package server

import (
	"errors"
	"maps"
	"time"

	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/internal/sessions"
	"github.com/MrWong99/voxintent/pkg/intent"
)

// Client message types sent as JSON text frames on /v1/listen.
const (
	MsgInit    = "init"
	MsgStart   = "start"
	MsgPause   = "pause"
	MsgResume  = "resume"
	MsgReset   = "reset"
	MsgInfo    = "info"
	MsgRelease = "release"
)

// Server event types.
const (
	EventReady     = "ready"
	EventState     = "state"
	EventInference = "inference"
	EventError     = "error"
	EventInfo      = "info"
	EventAck       = "ack"
)

// Audio encodings accepted in binary frames.
const (
	EncodingPCM16 = "pcm16"
	EncodingOpus  = "opus"
)

// AudioFormat declares the layout of the binary frames a client sends.
type AudioFormat struct {
	// Encoding is "pcm16" (little-endian, interleaved) or "opus". Defaults to
	// pcm16.
	Encoding string `json:"encoding,omitempty"`

	// SampleRate defaults to the engine rate for pcm16 and to 48000 for opus.
	SampleRate int `json:"sample_rate,omitempty"`

	// Channels defaults to 1 for pcm16 and 2 for opus.
	Channels int `json:"channels,omitempty"`
}

// ClientMessage is a control message. Only Type is required; the remaining
// fields apply to init.
type ClientMessage struct {
	Type                string       `json:"type"`
	Context             string       `json:"context,omitempty"`
	AccessKey           string       `json:"access_key,omitempty"`
	Sensitivity         *float32     `json:"sensitivity,omitempty"`
	EndpointDurationSec *float32     `json:"endpoint_duration_sec,omitempty"`
	RequireEndpoint     *bool        `json:"require_endpoint,omitempty"`
	Audio               *AudioFormat `json:"audio,omitempty"`
}

// Event is a server message. Fields are populated according to Type.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Op echoes the client message an ack or error answers.
	Op string `json:"op,omitempty"`

	// State is set on state events.
	State string `json:"state,omitempty"`

	// Ready fields.
	Context     string `json:"context,omitempty"`
	ContextInfo string `json:"context_info,omitempty"`
	FrameLength int    `json:"frame_length,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Version     string `json:"version,omitempty"`

	Inference *InferenceView `json:"inference,omitempty"`
	Error     *ErrorView     `json:"error,omitempty"`
}

// InferenceView is the wire form of [intent.Inference]. IsUnderstood and
// Slots are omitted while the inference is pending; a finalized inference
// always carries a slot object, empty when not understood.
type InferenceView struct {
	IsFinalized  bool              `json:"is_finalized"`
	IsUnderstood *bool             `json:"is_understood,omitempty"`
	Intent       string            `json:"intent,omitempty"`
	Slots        map[string]string `json:"slots,omitzero"`
}

func inferenceView(inf intent.Inference) *InferenceView {
	v := &InferenceView{IsFinalized: inf.IsFinalized}
	if !inf.IsFinalized {
		return v
	}
	understood := inf.IsUnderstood
	v.IsUnderstood = &understood
	v.Slots = map[string]string{}
	if understood {
		v.Intent = inf.Intent
		maps.Copy(v.Slots, inf.Slots)
	}
	return v
}

// ErrorView is the wire form of an error. Kind and Status are the
// [intent.Kind] and [intent.Status] names for engine errors and "protocol"
// for malformed client input.
type ErrorView struct {
	Kind    string `json:"kind"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// kindProtocol labels errors in client input.
const kindProtocol = "protocol"

func errorView(err error) *ErrorView {
	var ie *intent.Error
	if errors.As(err, &ie) {
		return &ErrorView{
			Kind:    ie.Kind.String(),
			Status:  ie.Status.String(),
			Message: ie.Error(),
			Fatal:   ie.Fatal,
		}
	}
	return &ErrorView{Kind: kindProtocol, Message: err.Error()}
}

// SessionView is the wire form of [sessions.SessionInfo].
type SessionView struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Context       string         `json:"context,omitempty"`
	State         string         `json:"state"`
	StartedAt     time.Time      `json:"started_at"`
	FrameLength   int            `json:"frame_length,omitempty"`
	SampleRate    int            `json:"sample_rate,omitempty"`
	Version       string         `json:"version,omitempty"`
	LastInference *InferenceView `json:"last_inference,omitempty"`
	LastError     *ErrorView     `json:"last_error,omitempty"`
}

func sessionView(info sessions.SessionInfo) SessionView {
	snap := info.Snapshot
	v := SessionView{
		ID:          info.ID,
		Source:      info.Source,
		Context:     info.Context,
		State:       snap.State.String(),
		StartedAt:   info.StartedAt,
		FrameLength: snap.FrameLength,
		SampleRate:  snap.SampleRate,
		Version:     snap.Version,
	}
	if snap.LastInference != nil {
		v.LastInference = inferenceView(*snap.LastInference)
	}
	if snap.LastError != nil {
		v.LastError = errorView(snap.LastError)
	}
	return v
}

// EntryView is the wire form of [journal.Entry].
type EntryView struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Context   string         `json:"context"`
	Source    string         `json:"source"`
	At        time.Time      `json:"at"`
	Inference *InferenceView `json:"inference"`
}

func entryViews(entries []journal.Entry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryView{
			ID:        e.ID,
			SessionID: e.SessionID,
			Context:   e.Context,
			Source:    e.Source,
			At:        e.At,
			Inference: inferenceView(e.Inference),
		})
	}
	return out
}
