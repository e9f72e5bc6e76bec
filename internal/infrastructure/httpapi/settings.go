package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	"github.com/Wired-Square/WireTAP-sub002/internal/usecase"
	"github.com/Wired-Square/WireTAP-sub002/pkg/shared/hexutil"
)

type filterState struct {
	mu      sync.Mutex
	enabled bool
	mode    string
	ids     []uint32
	names   []string
}

type filterDTO struct {
	Enabled bool     `json:"enabled"`
	Mode    string   `json:"mode,omitempty"` // "include" (watchlist) or "exclude"
	IDs     []string `json:"ids,omitempty"`
	Names   []string `json:"names,omitempty"`
}

// handleFilterSettings reads or replaces the runtime frame filter. The
// filter decides which matched frames are decoded; excluded ones are
// still recorded on the filtered list.
func (d *Deps) handleFilterSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, d.filter.snapshot())

	case http.MethodPost:
		var in filterDTO
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		if !in.Enabled || (len(in.IDs) == 0 && len(in.Names) == 0) {
			d.filter.set(false, "", nil, nil)
			d.Pipeline.SetFilter(nil)
			writeJSON(w, d.filter.snapshot())
			return
		}
		mode := in.Mode
		switch mode {
		case "":
			mode = "include"
		case "include", "exclude":
		default:
			writeError(w, http.StatusBadRequest, "BAD_VALUE", "mode must be include or exclude", nil)
			return
		}
		ids := make([]uint32, 0, len(in.IDs))
		for _, raw := range in.IDs {
			id, err := hexutil.ParseID(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "BAD_VALUE", err.Error(), nil)
				return
			}
			ids = append(ids, id)
		}
		d.filter.set(true, mode, ids, in.Names)
		d.Pipeline.SetFilter(buildFilter(mode, ids, in.Names))
		writeJSON(w, d.filter.snapshot())

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func buildFilter(mode string, ids []uint32, names []string) usecase.FrameFilter {
	idSet := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	include := mode == "include"
	return func(frameID uint32, def *domain.FrameDef) (string, bool) {
		_, idHit := idSet[frameID]
		_, nameHit := nameSet[def.Name]
		hit := idHit || nameHit
		if include {
			if hit {
				return "", false
			}
			return "not on watchlist", true
		}
		if hit {
			return "excluded by filter", true
		}
		return "", false
	}
}

func (f *filterState) set(enabled bool, mode string, ids []uint32, names []string) {
	f.mu.Lock()
	f.enabled = enabled
	f.mode = mode
	f.ids = ids
	f.names = names
	f.mu.Unlock()
}

func (f *filterState) snapshot() filterDTO {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := filterDTO{Enabled: f.enabled, Mode: f.mode, Names: append([]string(nil), f.names...)}
	for _, id := range f.ids {
		out.IDs = append(out.IDs, hexutil.FormatID(id))
	}
	return out
}
