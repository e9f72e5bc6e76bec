package usecase

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// Control passthroughs. Each call is forwarded to the backend for the
// shared session and the cached snapshot is updated from the reply.
// Optional operations are gated on the capabilities announced at
// create/join time and fail with ErrNotSupported locally.

func (r *Registry) Start(ctx context.Context, sessionID string) (domain.RunState, error) {
	if _, ok := r.Session(sessionID); !ok {
		return "", ErrSessionNotFound
	}
	rs, err := r.backend.Start(ctx, sessionID)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("start").Inc()
		return "", errors.Wrap(err, "start session")
	}
	r.mutate(sessionID, func(s *domain.Session) { s.RunState = rs })
	return rs, nil
}

func (r *Registry) Stop(ctx context.Context, sessionID string) (domain.RunState, error) {
	if _, ok := r.Session(sessionID); !ok {
		return "", ErrSessionNotFound
	}
	rs, err := r.backend.Stop(ctx, sessionID)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("stop").Inc()
		return "", errors.Wrap(err, "stop session")
	}
	r.mutate(sessionID, func(s *domain.Session) { s.RunState = rs })
	return rs, nil
}

func (r *Registry) Pause(ctx context.Context, sessionID string) (domain.RunState, error) {
	sess, ok := r.Session(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	if !sess.Capabilities.Pause {
		return "", ErrNotSupported
	}
	rs, err := r.backend.Pause(ctx, sessionID)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("pause").Inc()
		return "", errors.Wrap(err, "pause session")
	}
	r.mutate(sessionID, func(s *domain.Session) { s.RunState = rs })
	return rs, nil
}

func (r *Registry) Resume(ctx context.Context, sessionID string) (domain.RunState, error) {
	sess, ok := r.Session(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	if !sess.Capabilities.Pause {
		return "", ErrNotSupported
	}
	rs, err := r.backend.Resume(ctx, sessionID)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("resume").Inc()
		return "", errors.Wrap(err, "resume session")
	}
	r.mutate(sessionID, func(s *domain.Session) { s.RunState = rs })
	return rs, nil
}

// SetSpeed forwards the new playback speed. The cached value is updated
// by the speedChanged notification, not here, so every listener observes
// the same ordering.
func (r *Registry) SetSpeed(ctx context.Context, sessionID string, speed float64) error {
	sess, ok := r.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.Capabilities.Speed {
		return ErrNotSupported
	}
	if err := r.backend.UpdateSpeed(ctx, sessionID, speed); err != nil {
		r.metrics.BackendErrors.WithLabelValues("updateSpeed").Inc()
		return errors.Wrap(err, "update speed")
	}
	return nil
}

func (r *Registry) SetTimeRange(ctx context.Context, sessionID string, start, end *time.Time) error {
	sess, ok := r.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.Capabilities.TimeRange {
		return ErrNotSupported
	}
	if err := r.backend.UpdateTimeRange(ctx, sessionID, start, end); err != nil {
		r.metrics.BackendErrors.WithLabelValues("updateTimeRange").Inc()
		return errors.Wrap(err, "update time range")
	}
	return nil
}

func (r *Registry) Seek(ctx context.Context, sessionID string, timestampUs int64) error {
	sess, ok := r.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.Capabilities.Seek {
		return ErrNotSupported
	}
	if err := r.backend.Seek(ctx, sessionID, timestampUs); err != nil {
		r.metrics.BackendErrors.WithLabelValues("seek").Inc()
		return errors.Wrap(err, "seek")
	}
	return nil
}

// TransitionToBuffer converts a finished streaming session into a reader
// over its server-side buffer. Replay capabilities replace the streaming
// ones.
func (r *Registry) TransitionToBuffer(ctx context.Context, sessionID string, speed *float64) (domain.Capabilities, error) {
	sess, ok := r.Session(sessionID)
	if !ok {
		return domain.Capabilities{}, ErrSessionNotFound
	}
	if !sess.Buffer.Available {
		return domain.Capabilities{}, errors.New("transition to buffer: no buffer recorded for session")
	}
	caps, err := r.backend.TransitionToBufferReader(ctx, sessionID, speed)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("transitionToBufferReader").Inc()
		return domain.Capabilities{}, errors.Wrap(err, "transition to buffer reader")
	}
	r.mutate(sessionID, func(s *domain.Session) {
		s.Capabilities = caps
		s.RunState = domain.RunStateStopped
		if speed != nil {
			s.Speed = *speed
		}
	})
	return caps, nil
}

func (r *Registry) Transmit(ctx context.Context, sessionID string, frame domain.Frame) (domain.TransmitResult, error) {
	sess, ok := r.Session(sessionID)
	if !ok {
		return domain.TransmitResult{}, ErrSessionNotFound
	}
	if !sess.Capabilities.Transmit {
		return domain.TransmitResult{}, ErrNotSupported
	}
	res, err := r.backend.TransmitFrame(ctx, sessionID, frame)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("transmitFrame").Inc()
		return domain.TransmitResult{}, errors.Wrap(err, "transmit frame")
	}
	return res, nil
}
