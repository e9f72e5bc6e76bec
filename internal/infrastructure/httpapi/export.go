package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// handleExport writes the entire decoded state as one downloadable
// document, for attaching to bug reports and diffing bench runs.
func (d *Deps) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	version := d.Store.Version()
	snap := map[string]any{
		"catalog":      d.CatalogName,
		"exportedAt":   time.Now().UTC(),
		"version":      version,
		"counts":       d.Store.Counts(),
		"frames":       d.Store.Frames(),
		"unmatched":    d.Store.Unmatched(),
		"filtered":     d.Store.Filtered(),
		"headerValues": d.Store.HeaderValues(),
		"mirrors":      d.Pipeline.Mirrors().Status(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=wiretap_state_v"+strconv.FormatUint(version, 10)+".json")
	_ = json.NewEncoder(w).Encode(snap)
}
