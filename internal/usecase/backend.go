package usecase

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// Backend is the RPC and event contract with the native capture backend.
// Every method blocks on the round trip; implementations live under
// adapters and are safe for concurrent use.
type Backend interface {
	CreateSession(ctx context.Context, sessionID string, req domain.CreateSessionRequest) (domain.Capabilities, error)
	CreateMultiSourceSession(ctx context.Context, sessionID string, sources []domain.SourceSpec) (domain.Capabilities, error)
	JoinSession(ctx context.Context, sessionID string) (domain.JoinInfo, error)

	RegisterListener(ctx context.Context, sessionID, listenerID string) (domain.ListenerAck, error)
	UnregisterListener(ctx context.Context, sessionID, listenerID string) (int, error)
	Heartbeat(ctx context.Context, sessionID, listenerID string) error

	Start(ctx context.Context, sessionID string) (domain.RunState, error)
	Stop(ctx context.Context, sessionID string) (domain.RunState, error)
	Pause(ctx context.Context, sessionID string) (domain.RunState, error)
	Resume(ctx context.Context, sessionID string) (domain.RunState, error)

	UpdateSpeed(ctx context.Context, sessionID string, speed float64) error
	UpdateTimeRange(ctx context.Context, sessionID string, start, end *time.Time) error
	Seek(ctx context.Context, sessionID string, timestampUs int64) error
	TransitionToBufferReader(ctx context.Context, sessionID string, speed *float64) (domain.Capabilities, error)
	TransmitFrame(ctx context.Context, sessionID string, frame domain.Frame) (domain.TransmitResult, error)

	// Subscribe opens the event feed for one session. The returned cancel
	// tears down exactly this subscription and closes the channel; the
	// channel also closes if the backend connection is lost.
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.BackendEvent, func(), error)
}

// Backend failure codes the registry reacts to.
const (
	CodeProfileInUse    = "PROFILE_IN_USE"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
)

// BackendCoder is implemented by backend errors carrying a
// machine-readable failure code.
type BackendCoder interface {
	BackendCode() string
}

// BackendCode extracts the failure code from an error chain, or "".
func BackendCode(err error) string {
	var c BackendCoder
	if errors.As(err, &c) {
		return c.BackendCode()
	}
	return ""
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotAListener    = errors.New("listener not registered on session")
	ErrNotSupported    = errors.New("operation not supported by session capabilities")
)
