package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	"github.com/Wired-Square/WireTAP-sub002/pkg/shared/hexutil"
)

func (d *Deps) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items := d.Registry.Sessions()
	writeJSON(w, map[string]any{"items": items, "total": len(items)})
}

func (d *Deps) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	// path: /api/sessions/{id}[/{op}]
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sess, ok := d.Registry.Session(id)
		if !ok {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", map[string]any{"id": id})
			return
		}
		writeJSON(w, sess)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	d.handleSessionControl(w, r, id, parts[1])
}

type speedDTO struct {
	Speed float64 `json:"speed"`
}

type rangeDTO struct {
	StartTimeUs *int64 `json:"startTimeUs"`
	EndTimeUs   *int64 `json:"endTimeUs"`
}

type seekDTO struct {
	TimestampUs int64 `json:"timestampUs"`
}

type bufferDTO struct {
	Speed *float64 `json:"speed"`
}

// transmitDTO carries an outbound frame. The identifier takes any 0x,
// 0b or decimal spelling; data is a hex byte string ("DE AD" or
// "de:ad:be:ef").
type transmitDTO struct {
	ID   string `json:"id"`
	Data string `json:"data"`
	Bus  string `json:"bus,omitempty"`
}

func (d *Deps) handleSessionControl(w http.ResponseWriter, r *http.Request, id, op string) {
	ctx := r.Context()
	details := map[string]any{"id": id}

	switch op {
	case "start", "stop", "pause", "resume":
		var rs domain.RunState
		var err error
		switch op {
		case "start":
			rs, err = d.Registry.Start(ctx, id)
		case "stop":
			rs, err = d.Registry.Stop(ctx, id)
		case "pause":
			rs, err = d.Registry.Pause(ctx, id)
		case "resume":
			rs, err = d.Registry.Resume(ctx, id)
		}
		if err != nil {
			writeUsecaseError(w, err, details)
			return
		}
		writeJSON(w, map[string]any{"runState": rs})

	case "speed":
		var in speedDTO
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		if in.Speed <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_VALUE", "speed must be positive", nil)
			return
		}
		if err := d.Registry.SetSpeed(ctx, id, in.Speed); err != nil {
			writeUsecaseError(w, err, details)
			return
		}
		// The cached snapshot follows the backend's speedChange
		// notification, so a read right after this may still show the old
		// value.
		writeJSON(w, map[string]any{"requestedSpeed": in.Speed})

	case "range":
		var in rangeDTO
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		if err := d.Registry.SetTimeRange(ctx, id, usToTimePtr(in.StartTimeUs), usToTimePtr(in.EndTimeUs)); err != nil {
			writeUsecaseError(w, err, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "seek":
		var in seekDTO
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		if err := d.Registry.Seek(ctx, id, in.TimestampUs); err != nil {
			writeUsecaseError(w, err, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "buffer":
		var in bufferDTO
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
				return
			}
		}
		if _, err := d.Registry.TransitionToBuffer(ctx, id, in.Speed); err != nil {
			writeUsecaseError(w, err, details)
			return
		}
		sess, _ := d.Registry.Session(id)
		writeJSON(w, sess)

	case "transmit":
		var in transmitDTO
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		frameID, err := hexutil.ParseID(in.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_VALUE", err.Error(), nil)
			return
		}
		data, err := hexutil.ParseBytes(in.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_VALUE", err.Error(), nil)
			return
		}
		res, err := d.Registry.Transmit(ctx, id, domain.Frame{ID: frameID, Data: data, Bus: in.Bus})
		if err != nil {
			writeUsecaseError(w, err, details)
			return
		}
		writeJSON(w, res)

	default:
		writeError(w, http.StatusNotFound, "UNKNOWN_OPERATION", "unknown session operation", map[string]any{"op": op})
	}
}

func usToTimePtr(us *int64) *time.Time {
	if us == nil {
		return nil
	}
	t := time.UnixMicro(*us).UTC()
	return &t
}
