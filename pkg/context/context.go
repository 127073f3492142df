// Package context carries request-scoped identifiers: the request id used
// to correlate logs and errors, and the operator recorded on merge events.
package context

import "context"

type key int

const (
	requestIDKey key = iota
	operatorKey
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// SetOperator records who triggered a manual action such as a merge.
func SetOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

func GetOperator(ctx context.Context) string {
	operator, _ := ctx.Value(operatorKey).(string)
	return operator
}
