package domain

// BackendEvent is the closed set of notifications the capture backend
// pushes for a subscribed session. Wire payloads are decoded into these
// variants at the transport boundary; nothing downstream touches raw
// messages.
type BackendEvent interface {
	backendEvent()
}

// FrameBatchEvent delivers decodable frames. An empty ActiveListeners
// slice means the batch is for every listener; otherwise only the named
// listener ids should receive it.
type FrameBatchEvent struct {
	Frames          []Frame
	ActiveListeners []string
}

// ByteBatchEvent delivers raw serial bytes when passthrough is on.
type ByteBatchEvent struct {
	Chunks []RawChunk
}

// StateChangeEvent reports a backend-confirmed run state transition.
type StateChangeEvent struct {
	RunState RunState
}

// SpeedChangeEvent reports a replay speed change.
type SpeedChangeEvent struct {
	Speed float64
}

// ListenerCountEvent reports the backend-side listener total.
type ListenerCountEvent struct {
	Count int
}

// StreamEndedEvent marks the end of a finite stream, with any replay
// buffer the backend kept.
type StreamEndedEvent struct {
	Buffer BufferInfo
}

// StreamCompleteEvent marks full consumption of a replay buffer.
type StreamCompleteEvent struct{}

// SessionErrorEvent carries a fatal backend-side session failure.
type SessionErrorEvent struct {
	Message string
}

func (FrameBatchEvent) backendEvent()     {}
func (ByteBatchEvent) backendEvent()      {}
func (StateChangeEvent) backendEvent()    {}
func (SpeedChangeEvent) backendEvent()    {}
func (ListenerCountEvent) backendEvent()  {}
func (StreamEndedEvent) backendEvent()    {}
func (StreamCompleteEvent) backendEvent() {}
func (SessionErrorEvent) backendEvent()   {}
