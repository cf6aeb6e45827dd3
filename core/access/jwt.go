package access

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/plantmate/garden/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for JwtMiddleware
type JwtMiddlewareBuilder struct {
	// Secret is the shared HS signing secret of the auth service. This is mandatory.
	Secret string
	// Algorithm is the accepted signing algorithm, one of HS256, HS384, HS512.
	// Defaults to HS256.
	Algorithm string
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header. The token's
// "sub" claim carries the numeric user id assigned by the auth service.
//
// This is a final handler with regards to the bearer token: a missing or
// malformed header, an expired token or an invalid signature all return
// http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	if jmb.Secret == "" {
		panic("jwt secret is missing")
	}
	algorithm := jmb.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		panic("unsupported jwt algorithm " + algorithm)
	}

	keyLookup := func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != method.Alg() {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jmb.Secret), nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserIDFromContext(r.Context()); ok { // already authenticated
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())

			bearer := r.Header.Get("Authorization")
			if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
				http.Error(w, "bearer token missing", http.StatusUnauthorized)
				return
			}
			tokenString := bearer[7:]

			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, keyLookup)
			if err != nil {
				if verr, ok := err.(*jwt.ValidationError); ok && verr.Errors&jwt.ValidationErrorExpired != 0 {
					http.Error(w, "bearer token expired", http.StatusUnauthorized)
					return
				}
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			userID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil {
				rlog.Warningln("bearer token with non-numeric subject:", claims.Subject)
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			ctx := ContextWithUserID(r.Context(), userID)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, claims.Subject)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
