package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"fedilogin/internal/types"
)

// maxFormBodySize is the maximum accepted size of a form body (64 KiB). The
// login form carries a single short field.
const maxFormBodySize = 64 << 10

// errCodeMethodNotAllowed is local to the chassis; nothing outside the router
// produces it.
const errCodeMethodNotAllowed types.ErrorCode = "method_not_allowed"

// APIErrorResponse is the flat error body returned for every failure.
// Response carries the body a remote server answered with, when there was
// one, so an operator can see why the server refused.
type APIErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Response  string         `json:"response,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes a JSON response with the given status code and data.
// If marshalling fails, it falls back to a 500 error response.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fallback := APIErrorResponse{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}
		_ = json.NewEncoder(w).Encode(fallback)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes an error response to the client. It inspects the error chain:
//   - If the error is (or wraps) a *types.AppError, its Code determines the
//     HTTP status and its Message, Response and Details are rendered.
//   - Any other error becomes a 500 with "internal_unexpected_error".
//
// Wrapped causes are never exposed to the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), newErrorResponse(r, appErr))
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	})
}

func newErrorResponse(r *http.Request, appErr *types.AppError) APIErrorResponse {
	return APIErrorResponse{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Response:  appErr.Response,
		Details:   appErr.Details,
		RequestID: types.GetRequestID(r.Context()),
	}
}

// Redirect sends a 302 to target. Remote authorize URLs and the home page are
// both absolute.
func Redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusFound)
}

// ParseForm reads an urlencoded body (and the query string) under a size
// cap. Malformed or oversized bodies yield "validation_invalid_form".
func ParseForm(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBodySize)
	}
	if err := r.ParseForm(); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidForm, "request body too large", err)
		}
		return nil, types.NewAppError(types.ErrCodeValidationInvalidForm, "malformed form body", err)
	}
	return r.Form, nil
}
