package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// HTTPError is a transport failure (bad session, unreadable state) rather
// than a refused impersonation operation.
type HTTPError struct {
	Code int    // HTTP status; 0 means 500
	Msg  string // sent to the client as the error field
	Err  error  // logged, never sent
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// WriteHTTPError writes err as a JSON failure body. Errors that are not an
// HTTPError become a 500 without leaking their text.
func WriteHTTPError(w http.ResponseWriter, err error) {
	herr := HTTPError{Code: http.StatusInternalServerError, Msg: "internal server error", Err: err}
	if errors.As(err, &herr) && herr.Code == 0 {
		herr.Code = http.StatusInternalServerError
	}

	event := log.Debug()
	if herr.Code >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(herr.Err).Int("code", herr.Code).Msgf("user msg: %s", herr.Msg)

	WriteJSON(w, herr.Code, ImpersonationErrorResponse{Error: herr.Msg})
}

// WriteJSON encodes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
