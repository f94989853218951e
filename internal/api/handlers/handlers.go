// Package handlers carries the pieces shared by every HTTP endpoint:
// the OpenAI-style error envelope, the mapping from pipeline failures
// to HTTP statuses, and the response body helpers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

const (
	// StatusClientClosedRequest mirrors nginx's non-standard code for a
	// client that went away before the response was ready.
	StatusClientClosedRequest = 499
	// StatusGateTimeout is returned when a request waited out the
	// parking gate without the service recovering.
	StatusGateTimeout = 530
)

// Unary bodies above flushThreshold are written in flushSlice pieces
// with explicit flushes so intermediaries start forwarding early.
const (
	flushThreshold = 10 * 1024
	flushSlice     = 8 * 1024
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail mirrors the OpenAI error object. Param is always present
// and null; SDK clients deserialize it unconditionally.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code,omitempty"`
}

// Translate maps a pipeline failure to its HTTP status, an advisory
// Retry-After in seconds (0 for none), and the envelope detail.
func Translate(err error) (status int, retryAfter int, detail ErrorDetail) {
	var (
		disconnected *interfaces.ClientDisconnectedError
		badRequest   *interfaces.BadRequestError
		invalidModel *interfaces.InvalidModelError
		switchErr    *interfaces.ModelSwitchError
		notReady     *interfaces.PageNotReadyError
		empty        *interfaces.EmptyResponseError
		upstream     *interfaces.UpstreamError
		rateLimit    *interfaces.RateLimitError
		quota        *interfaces.QuotaExceededError
		respTimeout  *interfaces.ResponseTimeoutError
		gateTimeout  *interfaces.GateTimeoutError
	)
	switch {
	case errors.As(err, &disconnected), errors.Is(err, context.Canceled):
		status = StatusClientClosedRequest
	case errors.As(err, &badRequest):
		status = http.StatusBadRequest
	case errors.As(err, &invalidModel), errors.As(err, &switchErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &notReady):
		status, retryAfter = http.StatusServiceUnavailable, 30
	case errors.As(err, &empty), errors.As(err, &upstream):
		status, retryAfter = http.StatusBadGateway, 10
	case errors.As(err, &rateLimit), errors.As(err, &quota):
		status = http.StatusBadGateway
	case errors.As(err, &respTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &gateTimeout):
		status = StatusGateTimeout
	default:
		status = http.StatusInternalServerError
	}

	detail = ErrorDetail{Message: err.Error(), Type: typeFor(status)}
	return status, retryAfter, detail
}

func typeFor(status int) string {
	if status >= 400 && status < 500 {
		return "invalid_request_error"
	}
	return "server_error"
}

// WriteError renders the translated failure. The request id, when
// known, rides in the code field so operators can match client reports
// against traces and snapshots.
func WriteError(c *gin.Context, reqID string, err error) {
	status, retryAfter, detail := Translate(err)
	if reqID != "" {
		detail.Code = reqID
	}
	if retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	c.JSON(status, ErrorResponse{Error: detail})
}

// WriteJSONBody sends a prebuilt JSON document as the 200 response.
func WriteJSONBody(c *gin.Context, body string) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Header("Content-Length", strconv.Itoa(len(body)))
	c.Status(http.StatusOK)
	if len(body) <= flushThreshold {
		_, _ = c.Writer.WriteString(body)
		return
	}
	flusher, _ := c.Writer.(http.Flusher)
	for off := 0; off < len(body); off += flushSlice {
		end := off + flushSlice
		if end > len(body) {
			end = len(body)
		}
		_, _ = c.Writer.WriteString(body[off:end])
		if flusher != nil {
			flusher.Flush()
		}
	}
}
