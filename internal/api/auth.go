package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hackgods/hospital-appointments/internal/appointment"
)

const actorKey contextKey = "actor"

// Claims carried by bearer tokens. Tokens are minted by the identity
// service; this API only verifies them.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// AuthMiddleware verifies the HS256 bearer token and stores the caller as an
// appointment.Actor in the request context.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			var claims Claims
			_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
				return secret, nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			actor, err := actorFromClaims(claims, r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
		})
	}
}

func actorFromClaims(c Claims, r *http.Request) (appointment.Actor, error) {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return appointment.Actor{}, errors.New("token has no user id")
	}

	role, err := appointment.ParseRole(c.Role)
	if err != nil {
		return appointment.Actor{}, fmt.Errorf("token role %q is not recognised", c.Role)
	}

	return appointment.Actor{
		ID:        id,
		Role:      role,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}, nil
}

// ActorFrom returns the authenticated caller.
func ActorFrom(ctx context.Context) (appointment.Actor, bool) {
	a, ok := ctx.Value(actorKey).(appointment.Actor)
	return a, ok
}

// clientIP is the peer address. Proxy headers only count when the router
// runs middleware.RealIP, which rewrites RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SignToken mints a token for local tooling (seed, simulate) and tests.
func SignToken(secret []byte, userID string, role appointment.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Role:   string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
