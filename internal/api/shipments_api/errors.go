package shipments_api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrMissingFields, http.StatusBadRequest, "missing_fields"},
	{models.ErrSeqOutOfRange, http.StatusBadRequest, "seq_out_of_range"},
	{models.ErrGeocodeFailed, http.StatusBadRequest, "geocode_failed"},
	{models.ErrInvalidLocation, http.StatusBadRequest, "invalid_location"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrSlotInUse, http.StatusConflict, "slot_in_use"},
	{models.ErrSeqExhausted, http.StatusConflict, "seq_exhausted"},
	{models.ErrRefCodeTaken, http.StatusConflict, "ref_code_taken"},
}

// StatusFor maps a service error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		// Storage details stay in the log.
		slog.Error("request failed", "error", err.Error())
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
