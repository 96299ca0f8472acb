package server

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
)

// errResponse is the uniform error envelope; every failed request renders as
// {"status":"error","message":...} with a status from the taxonomy mapping.
type errResponse struct {
	HTTPStatusCode int    `json:"-"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func renderJSON(w http.ResponseWriter, r *http.Request, v any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, v)
}

func renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	_ = render.Render(w, r, &errResponse{
		HTTPStatusCode: status,
		Status:         protocol.StatusError,
		Message:        message,
	})
}

// statusFor maps the error taxonomy onto HTTP statuses. Not-found licenses
// on activation are rendered as 404 directly by the handler.
func statusFor(kind protocol.Kind) int {
	switch kind {
	case protocol.KindValidation:
		return http.StatusBadRequest
	case protocol.KindAuthentication:
		return http.StatusUnauthorized
	case protocol.KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// renderProtocolError maps err onto the wire envelope. Internal errors get a
// generic message; details stay in the logs.
func renderProtocolError(w http.ResponseWriter, r *http.Request, err *protocol.Error) {
	message := err.Message
	if err.Kind == protocol.KindInternal {
		message = "internal error"
	}
	renderError(w, r, statusFor(err.Kind), message)
}

func renderTooManyRequests(w http.ResponseWriter, r *http.Request) {
	renderError(w, r, http.StatusTooManyRequests, "too many requests")
}
