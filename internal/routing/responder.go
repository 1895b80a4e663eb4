// Package routing holds the HTTP response helpers shared by the API
// surfaces.
package routing

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ErrorEnvelope struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	TraceID   string            `json:"trace_id"`
	RequestID string            `json:"request_id,omitempty"`
	Meta      ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	WriteJSON(w, status, ErrorEnvelope{
		Code:      code,
		Message:   message,
		TraceID:   traceIDFromRequest(r),
		RequestID: middleware.GetReqID(r.Context()),
		Meta: ErrorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// traceIDFromRequest returns the trace id of a W3C traceparent header
// (version-traceid-parentid-flags), or "" when the header is absent or
// malformed.
func traceIDFromRequest(r *http.Request) string {
	fields := strings.Split(strings.ToLower(strings.TrimSpace(r.Header.Get("traceparent"))), "-")
	if len(fields) < 4 {
		return ""
	}
	version, traceID, parentID, flags := fields[0], fields[1], fields[2], fields[3]
	// Version ff is forbidden; version 00 has exactly four fields.
	if !isHex(version, 2) || version == "ff" || (version == "00" && len(fields) != 4) {
		return ""
	}
	if !isHex(flags, 2) || !isHex(parentID, 16) || allZero(parentID) {
		return ""
	}
	if !isHex(traceID, 32) || allZero(traceID) {
		return ""
	}
	return traceID
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, ch := range s {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}

func allZero(s string) bool { return strings.Trim(s, "0") == "" }
