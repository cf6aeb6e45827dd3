/*Package access provides the identity resolver for the garden API.

Requests carry a JWT bearer token issued by the upstream auth service. The
middleware in this package verifies the token and stores the resolved numeric
user identifier in the request context, where handlers retrieve it with
UserIDFromContext.
*/
package access

import (
	"context"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyUserID contextKey = "_user_id_"

// ContextWithUserID returns a new context carrying the authenticated user id.
func ContextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// UserIDFromContext returns the authenticated user id from the context. The
// second return value is false if the request was not authenticated.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(contextKeyUserID).(int64)
	return userID, ok
}
