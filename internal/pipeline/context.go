package pipeline

import "context"

type alertKey struct{}

// ContextWithAlert tags the context with the alert a run belongs to. The
// database query observer reads it back so per-query metrics carry the
// alert label.
func ContextWithAlert(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, alertKey{}, name)
}

// AlertFromContext returns the alert name stashed by ContextWithAlert, or
// "" when the context carries none.
func AlertFromContext(ctx context.Context) string {
	name, _ := ctx.Value(alertKey{}).(string)
	return name
}
