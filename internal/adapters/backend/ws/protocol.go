package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// Envelope types on the backend link. Requests carry a sequence id the
// response echoes; events carry the session they belong to.
const (
	typeRequest  = "req"
	typeResponse = "resp"
	typeEvent    = "event"
)

type envelope struct {
	Type      string          `json:"type"`
	ID        uint64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BackendError is a failure the backend reported for one request. Code is
// machine-readable; the registry matches PROFILE_IN_USE and
// SESSION_NOT_FOUND for its recovery paths.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("backend: %s", e.Message)
	}
	return fmt.Sprintf("backend: %s (%s)", e.Message, e.Code)
}

// BackendCode satisfies the registry's code extraction.
func (e *BackendError) BackendCode() string { return e.Code }

// wireFrame is a frame on the link. Data rides as base64 (encoding/json's
// []byte convention); timestamps are microseconds since epoch, the same
// unit seek uses.
type wireFrame struct {
	ID            uint32  `json:"id"`
	Data          []byte  `json:"data"`
	TimestampUs   int64   `json:"tsUs,omitempty"`
	Bus           string  `json:"bus,omitempty"`
	SourceAddress *uint32 `json:"sourceAddress,omitempty"`
}

func (f wireFrame) toDomain() domain.Frame {
	out := domain.Frame{ID: f.ID, Data: f.Data, Bus: f.Bus, SourceAddress: f.SourceAddress}
	if f.TimestampUs != 0 {
		out.Timestamp = time.UnixMicro(f.TimestampUs).UTC()
	}
	return out
}

func frameToWire(f domain.Frame) wireFrame {
	out := wireFrame{ID: f.ID, Data: f.Data, Bus: f.Bus, SourceAddress: f.SourceAddress}
	if !f.Timestamp.IsZero() {
		out.TimestampUs = f.Timestamp.UnixMicro()
	}
	return out
}

type wireChunk struct {
	Data        []byte `json:"data"`
	TimestampUs int64  `json:"tsUs,omitempty"`
}

func (c wireChunk) toDomain() domain.RawChunk {
	out := domain.RawChunk{Data: c.Data}
	if c.TimestampUs != 0 {
		out.Timestamp = time.UnixMicro(c.TimestampUs).UTC()
	}
	return out
}

func timePtrToUs(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	us := t.UnixMicro()
	return &us
}

// request parameter shapes, one per RPC

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type listenerParams struct {
	SessionID  string `json:"sessionId"`
	ListenerID string `json:"listenerId"`
}

type createSessionParams struct {
	SessionID       string   `json:"sessionId"`
	ProfileID       string   `json:"profileId,omitempty"`
	StartTimeUs     *int64   `json:"startTimeUs,omitempty"`
	EndTimeUs       *int64   `json:"endTimeUs,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Limit           *int     `json:"limit,omitempty"`
	FilePath        string   `json:"filePath,omitempty"`
	UseBuffer       bool     `json:"useBuffer,omitempty"`
	BusOverride     string   `json:"busOverride,omitempty"`
	FramingEncoding string   `json:"framingEncoding,omitempty"`
	Delimiter       []byte   `json:"delimiter,omitempty"`
	MinFrameLength  int      `json:"minFrameLength,omitempty"`
	MaxFrameLength  int      `json:"maxFrameLength,omitempty"`
	EmitRawBytes    bool     `json:"emitRawBytes,omitempty"`
}

type createMultiSourceParams struct {
	SessionID string              `json:"sessionId"`
	Sources   []domain.SourceSpec `json:"sources"`
}

type speedParams struct {
	SessionID string  `json:"sessionId"`
	Speed     float64 `json:"speed"`
}

type timeRangeParams struct {
	SessionID   string `json:"sessionId"`
	StartTimeUs *int64 `json:"startTimeUs,omitempty"`
	EndTimeUs   *int64 `json:"endTimeUs,omitempty"`
}

type seekParams struct {
	SessionID   string `json:"sessionId"`
	TimestampUs int64  `json:"timestampUs"`
}

type transitionParams struct {
	SessionID string   `json:"sessionId"`
	Speed     *float64 `json:"speed,omitempty"`
}

type transmitParams struct {
	SessionID string    `json:"sessionId"`
	Frame     wireFrame `json:"frame"`
}

// result shapes

type capabilitiesResult struct {
	Capabilities domain.Capabilities `json:"capabilities"`
}

type joinResult struct {
	Capabilities domain.Capabilities `json:"capabilities"`
	RunState     domain.RunState     `json:"runState"`
	JoinerCount  int                 `json:"joinerCount"`
	BufferID     string              `json:"bufferId,omitempty"`
	BufferKind   string              `json:"bufferKind,omitempty"`
}

type registerResult struct {
	IsOwner       bool `json:"isOwner"`
	ListenerCount int  `json:"listenerCount"`
}

type unregisterResult struct {
	ListenerCount int `json:"listenerCount"`
}

type runStateResult struct {
	RunState domain.RunState `json:"runState"`
}

type transmitAck struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}

// event payload shapes

type frameBatchPayload struct {
	Frames            []wireFrame `json:"frames"`
	ActiveListenerIDs []string    `json:"activeListenerIds,omitempty"`
}

type byteBatchPayload struct {
	Chunks []wireChunk `json:"chunks"`
}

type stateChangePayload struct {
	RunState domain.RunState `json:"runState"`
}

type speedChangePayload struct {
	Speed float64 `json:"speed"`
}

type listenerCountPayload struct {
	Count int `json:"count"`
}

type streamEndedPayload struct {
	BufferAvailable bool   `json:"bufferAvailable"`
	BufferID        string `json:"bufferId,omitempty"`
	BufferKind      string `json:"bufferKind,omitempty"`
	FrameCount      int    `json:"frameCount,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// decodeEvent maps one event envelope onto its domain variant. Unknown
// event names return (nil, nil) so newer backends don't break older
// engines.
func decodeEvent(env envelope) (domain.BackendEvent, error) {
	switch env.Event {
	case "frameBatch":
		var p frameBatchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "frameBatch payload")
		}
		frames := make([]domain.Frame, len(p.Frames))
		for i, wf := range p.Frames {
			frames[i] = wf.toDomain()
		}
		return domain.FrameBatchEvent{Frames: frames, ActiveListeners: p.ActiveListenerIDs}, nil

	case "byteBatch":
		var p byteBatchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "byteBatch payload")
		}
		chunks := make([]domain.RawChunk, len(p.Chunks))
		for i, wc := range p.Chunks {
			chunks[i] = wc.toDomain()
		}
		return domain.ByteBatchEvent{Chunks: chunks}, nil

	case "stateChange":
		var p stateChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "stateChange payload")
		}
		return domain.StateChangeEvent{RunState: p.RunState}, nil

	case "speedChange":
		var p speedChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "speedChange payload")
		}
		return domain.SpeedChangeEvent{Speed: p.Speed}, nil

	case "listenerCount":
		var p listenerCountPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "listenerCount payload")
		}
		return domain.ListenerCountEvent{Count: p.Count}, nil

	case "streamEnded":
		var p streamEndedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "streamEnded payload")
		}
		return domain.StreamEndedEvent{Buffer: domain.BufferInfo{
			Available: p.BufferAvailable,
			ID:        p.BufferID,
			Kind:      p.BufferKind,
			Count:     p.FrameCount,
		}}, nil

	case "streamComplete":
		return domain.StreamCompleteEvent{}, nil

	case "error":
		var p errorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "error payload")
		}
		return domain.SessionErrorEvent{Message: p.Message}, nil
	}
	return nil, nil
}
