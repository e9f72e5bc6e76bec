package domain

import "time"

// LifecycleState tracks the shared session's connection to the backend.
type LifecycleState string

const (
	LifecycleDisconnected LifecycleState = "disconnected"
	LifecycleConnecting   LifecycleState = "connecting"
	LifecycleConnected    LifecycleState = "connected"
	LifecycleError        LifecycleState = "error"
)

// RunState is the backend-reported stream state. It changes only on
// explicit notifications or confirmed control calls, never by polling.
type RunState string

const (
	RunStateStopped  RunState = "stopped"
	RunStateStarting RunState = "starting"
	RunStateRunning  RunState = "running"
	RunStatePaused   RunState = "paused"
	RunStateError    RunState = "error"
)

// Capabilities is what the backend granted at create/join time. Control
// calls the session cannot honor are rejected locally.
type Capabilities struct {
	Pause     bool     `json:"pause"`
	Seek      bool     `json:"seek"`
	Speed     bool     `json:"speed"`
	Reverse   bool     `json:"reverse"`
	Transmit  bool     `json:"transmit"`
	TimeRange bool     `json:"timeRange"`
	Buses     []string `json:"buses,omitempty"`
}

// BufferInfo describes a server-side replay buffer left behind by a
// finished stream.
type BufferInfo struct {
	Available bool   `json:"available"`
	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Count     int    `json:"count"`
}

// Session is the cached view of one shared capture session.
type Session struct {
	ID            string         `json:"id"`
	ProfileID     string         `json:"profileId,omitempty"`
	DisplayName   string         `json:"displayName,omitempty"`
	Lifecycle     LifecycleState `json:"lifecycle"`
	RunState      RunState       `json:"runState"`
	Capabilities  Capabilities   `json:"capabilities"`
	ListenerCount int            `json:"listenerCount"`
	Buffer        BufferInfo     `json:"buffer"`
	Speed         float64        `json:"speed,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// CreateSessionRequest carries the backend options for a single-source
// session. File, time-range and framing options apply only where the
// profile kind supports them.
type CreateSessionRequest struct {
	ProfileID       string     `json:"profileId,omitempty"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Speed           *float64   `json:"speed,omitempty"`
	Limit           *int       `json:"limit,omitempty"`
	FilePath        string     `json:"filePath,omitempty"`
	UseBuffer       bool       `json:"useBuffer,omitempty"`
	BusOverride     string     `json:"busOverride,omitempty"`
	FramingEncoding string     `json:"framingEncoding,omitempty"`
	Delimiter       []byte     `json:"delimiter,omitempty"`
	MinFrameLength  int        `json:"minFrameLength,omitempty"`
	MaxFrameLength  int        `json:"maxFrameLength,omitempty"`
	EmitRawBytes    bool       `json:"emitRawBytes,omitempty"`
}

// SourceSpec is one member of a multi-source session. Extraction configs
// let the backend lift frame ids and source addresses out of dissimilar
// feeds before they are merged onto the shared timeline.
type SourceSpec struct {
	ProfileID     string            `json:"profileId"`
	DisplayName   string            `json:"displayName,omitempty"`
	BusMappings   map[string]string `json:"busMappings,omitempty"`
	FrameID       *HeaderFieldDef   `json:"frameId,omitempty"`
	SourceAddress *HeaderFieldDef   `json:"sourceAddress,omitempty"`
}

// JoinInfo is the backend's answer to joining an existing session.
type JoinInfo struct {
	Capabilities Capabilities `json:"capabilities"`
	RunState     RunState     `json:"runState"`
	JoinerCount  int          `json:"joinerCount"`
	BufferID     string       `json:"bufferId,omitempty"`
	BufferKind   string       `json:"bufferKind,omitempty"`
}

// ListenerAck confirms a listener registration.
type ListenerAck struct {
	IsOwner       bool `json:"isOwner"`
	ListenerCount int  `json:"listenerCount"`
}

// TransmitResult reports whether the backend accepted an outbound frame.
type TransmitResult struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}
