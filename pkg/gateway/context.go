package gateway

import "context"

type clientKey struct{}

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientID)
}

// clientIDFromContext returns the websocket client or remote address that
// issued the request, used as the approval actor.
func clientIDFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, _ := ctx.Value(clientKey{}).(string); id != "" {
			return id
		}
	}
	return "unknown"
}
