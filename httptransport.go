package pos

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

func decodeJSON(body io.ReadCloser, v any) error {
	defer func() { _ = body.Close() }()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// WriteError renders err as the JSON error payload. Errors that are not
// *Error become a 500.
func WriteError(w http.ResponseWriter, err error) {
	var payload *Error
	if errors.As(err, &payload) {
		writeJSONError(w, payload)
		return
	}
	writeJSONError(w, NewError(TransportError, "internal_error", "internal server error", WithStatusCode(http.StatusInternalServerError)))
}

func writeJSONError(w http.ResponseWriter, payload *Error) {
	status := payload.StatusCode()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
