// Package api — HTTP surface of the kernel. Error responses use
// RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/selene-os/selene/core/pkg/reason"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	// ReasonCode carries the kernel reason code behind the refusal.
	ReasonCode string `json:"reason_code,omitempty"`
	Instance   string `json:"instance,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusForReason maps a kernel reason code to an HTTP status.
func StatusForReason(code reason.Code) int {
	switch code {
	case reason.CodeInputSchemaInvalid, reason.CodeValidationFailed:
		return http.StatusBadRequest
	case reason.CodeForbiddenCaller:
		return http.StatusForbidden
	case reason.CodeScopeViolation, reason.CodeAppendOnlyViolation, reason.CodeIdemInFlight:
		return http.StatusConflict
	case reason.CodeRateLimited:
		return http.StatusTooManyRequests
	case reason.CodeBudgetExceeded:
		return http.StatusGatewayTimeout
	case reason.CodeLifecycleInvalidMove:
		return http.StatusConflict
	default:
		if string(code) != "" && code != reason.CodeInternalPipelineErr {
			// Engine-level refusals (governance gates etc.) are client
			// errors, not kernel faults.
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, status int, title, detail, reasonCode string) {
	problem := &ProblemDetail{
		Type:       fmt.Sprintf("https://selene-os.dev/errors/%d", status),
		Title:      title,
		Status:     status,
		Detail:     detail,
		ReasonCode: reasonCode,
		TraceID:    w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteRefusal writes a dispatch refusal with the status its reason code
// implies.
func WriteRefusal(w http.ResponseWriter, code reason.Code, detail string) {
	status := StatusForReason(code)
	WriteProblem(w, status, http.StatusText(status), detail, string(code))
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusBadRequest, "Bad Request", detail, "")
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, http.StatusUnauthorized, "Unauthorized", detail, "")
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteProblem(w, http.StatusForbidden, "Forbidden", detail, "")
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint", "")
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.", string(reason.CodeRateLimited))
}

// WriteInternal writes a 500 response. The error is logged, never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred", string(reason.CodeInternalPipelineErr))
}
