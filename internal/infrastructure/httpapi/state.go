package httpapi

import (
	"net/http"
	"strings"

	"github.com/Wired-Square/WireTAP-sub002/pkg/shared/hexutil"
)

// handleState serves the decoded-state reads. Everything here is a
// copy-out snapshot; none of it touches store recency.
func (d *Deps) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/state/")
	parts := strings.Split(rest, "/")

	switch parts[0] {
	case "frames":
		if len(parts) > 1 && parts[1] != "" {
			id, err := hexutil.ParseID(parts[1])
			if err != nil {
				writeError(w, http.StatusBadRequest, "BAD_VALUE", err.Error(), nil)
				return
			}
			frame, ok := d.Store.Frame(id)
			if !ok {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "no retained state for frame", map[string]any{"id": hexutil.FormatID(id)})
				return
			}
			writeJSON(w, frame)
			return
		}
		if src := r.URL.Query().Get("source"); src != "" {
			v, err := hexutil.ParseID(src)
			if err != nil {
				writeError(w, http.StatusBadRequest, "BAD_VALUE", err.Error(), nil)
				return
			}
			writeJSON(w, map[string]any{"source": v, "items": d.Store.FramesBySource(v)})
			return
		}
		writeJSON(w, map[string]any{"items": d.Store.Frames(), "sources": d.Store.SourceAddresses()})

	case "unmatched":
		writeJSON(w, map[string]any{"items": d.Store.Unmatched()})

	case "filtered":
		writeJSON(w, map[string]any{"items": d.Store.Filtered()})

	case "header-values":
		writeJSON(w, map[string]any{"fields": d.Store.HeaderValues()})

	case "mirrors":
		writeJSON(w, map[string]any{"items": d.Pipeline.Mirrors().Status()})

	case "version":
		writeJSON(w, map[string]any{"version": d.Store.Version(), "counts": d.Store.Counts()})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown state resource", map[string]any{"resource": parts[0]})
	}
}
