package gatewayerr

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
)

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// WriteJSON writes err as an OpenAI-compatible JSON error body with the
// taxonomy's status code. Rate-limit errors include a Retry-After hint
// when retryAfterSeconds > 0 was recorded on the request.
func WriteJSON(w http.ResponseWriter, err error) {
	ge := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Message: ge.Message,
			Type:    ge.Kind,
			Code:    strconv.Itoa(ge.HTTPStatusCode()),
		},
	})
}

// WriteJSONRetryAfter is WriteJSON plus a Retry-After header, used for
// admission-control rejections.
func WriteJSONRetryAfter(w http.ResponseWriter, err error, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	WriteJSON(w, err)
}
