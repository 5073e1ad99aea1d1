package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rendis/conductor/pkg/schema"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as {"error": ConductorError} with a status derived
// from its code.
func writeError(w http.ResponseWriter, err error) {
	ce := schema.AsConductorError(err)
	writeJSON(w, httpStatus(ce.Code), map[string]any{"error": ce})
}

func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON body: %v", err).WithCause(err)
	}
	return nil
}
