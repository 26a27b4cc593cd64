package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthchain/healthchain/internal/platform/auth"
)

// AuditEntry describes one access to claim or record data.
type AuditEntry struct {
	UserID        string
	WalletAddress string
	Role          string
	Resource      string // claims, records, assist, ledger
	ResourceID    string
	Action        string // read, create, resolve
	IPAddress     string
	UserAgent     string
	Path          string
	Method        string
	Timestamp     time.Time
	RequestID     string
	StatusCode    int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const apiPrefix = "/api/v1/"

// Audit logs every /api/v1 request after the handler ran, tagged with the
// caller's identity. Recorders receive the same entry.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := BuildAuditEntry(c, err)
			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden || entry.StatusCode == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("wallet", entry.WalletAddress).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("data_access")

			return err
		}
	}
}

// BuildAuditEntry assembles the entry for a finished request.
func BuildAuditEntry(c echo.Context, handlerErr error) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		StatusCode: c.Response().Status,
	}
	if he, ok := handlerErr.(*echo.HTTPError); ok {
		entry.StatusCode = he.Code
	}
	if id, ok := auth.IdentityFromContext(req.Context()); ok {
		entry.UserID = id.UserID
		entry.WalletAddress = id.WalletAddress
		entry.Role = string(id.Role)
	}
	if rid, ok := c.Get("request_id").(string); ok {
		entry.RequestID = rid
	}
	entry.Resource, entry.ResourceID, entry.Action = classifyPath(req.Method, req.URL.Path)
	return entry
}

// classifyPath maps /api/v1/<resource>[/<id>][/<verb>] to its audit fields.
func classifyPath(method, path string) (resource, id, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	resource = "unknown"
	if len(segments) > 0 && segments[0] != "" {
		resource = segments[0]
	}
	if resource == "ledger" && len(segments) > 2 {
		id = segments[2]
	} else if len(segments) > 1 {
		id = segments[1]
	}

	switch {
	case method == http.MethodPost && len(segments) > 2 && segments[len(segments)-1] == "resolve":
		action = "resolve"
	case method == http.MethodPost:
		action = "create"
	case method == http.MethodPut || method == http.MethodPatch:
		action = "update"
	case method == http.MethodDelete:
		action = "delete"
	default:
		action = "read"
	}
	return resource, id, action
}
