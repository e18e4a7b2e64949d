package parcelapi

import (
	"encoding/json"
	"net/http"

	"github.com/BearBump/ParcelNet/internal/apperr"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	respondJSON(w, ae.Status, ae)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid json body")
	}
	return nil
}
