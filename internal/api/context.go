package api

import (
	"context"

	"github.com/lei/fletch-ci/pkg/logger"
)

// contextKey is an unexported type for context keys to prevent collisions
type contextKey string

const (
	contextKeyRequestID  contextKey = "request_id"
	contextKeyLogger     contextKey = "logger"
	contextKeyAPIKeyName contextKey = "api_key_name"
)

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// GetLogger retrieves the request logger from context. Requests that did
// not pass the logging middleware get a discarding logger.
func GetLogger(ctx context.Context) *logger.Logger {
	if l, ok := ctx.Value(contextKeyLogger).(*logger.Logger); ok {
		return l
	}
	return logger.Discard()
}

// GetAPIKeyName retrieves the name of the key that authenticated the
// request
func GetAPIKeyName(ctx context.Context) string {
	name, _ := ctx.Value(contextKeyAPIKeyName).(string)
	return name
}
