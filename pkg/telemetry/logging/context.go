package logging

import (
	"context"
)

// Context keys for common log fields.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"

	// SessionIDKey is the context key for WebSocket proxy session IDs.
	SessionIDKey contextKey = "session_id"

	// ReceiverIDKey is the context key for mailbox receiver identifiers.
	ReceiverIDKey contextKey = "receiver_id"

	// EndpointKey is the context key for backend endpoint paths.
	EndpointKey contextKey = "endpoint"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithSessionID adds a proxy session ID to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the proxy session ID from the context.
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// WithReceiverID adds a mailbox receiver identifier to the context.
func WithReceiverID(ctx context.Context, receiverID string) context.Context {
	return context.WithValue(ctx, ReceiverIDKey, receiverID)
}

// GetReceiverID retrieves the mailbox receiver identifier from the context.
func GetReceiverID(ctx context.Context) string {
	if receiverID, ok := ctx.Value(ReceiverIDKey).(string); ok {
		return receiverID
	}
	return ""
}

// WithEndpoint adds a backend endpoint path to the context.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, EndpointKey, endpoint)
}

// GetEndpoint retrieves the backend endpoint path from the context.
func GetEndpoint(ctx context.Context) string {
	if endpoint, ok := ctx.Value(EndpointKey).(string); ok {
		return endpoint
	}
	return ""
}

// extractContextFields extracts common fields from context for logging.
// Returns a slice of key-value pairs suitable for logger.With().
func extractContextFields(ctx context.Context) []any {
	var fields []any

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, "request_id", requestID)
	}

	if sessionID := GetSessionID(ctx); sessionID != "" {
		fields = append(fields, "session_id", sessionID)
	}

	if receiverID := GetReceiverID(ctx); receiverID != "" {
		fields = append(fields, "receiver_id", receiverID)
	}

	if endpoint := GetEndpoint(ctx); endpoint != "" {
		fields = append(fields, "endpoint", endpoint)
	}

	return fields
}
