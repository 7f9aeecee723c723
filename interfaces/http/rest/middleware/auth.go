package middleware

import (
	"net"
	"net/http"
	"strings"

	"papervault/pkg/auth"
	"papervault/pkg/common"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// TokenValidator checks an access token and returns its claims.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Authenticate verifies the caller's Supabase access token and stores the
// user, including the raw token, in the request context. The raw token is
// forwarded to the data backend so row level security sees the same user.
func Authenticate(validator TokenValidator, limiter *auth.RequestLimiter, logger *zap.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)
			if limiter != nil && !limiter.AllowIP(ip) {
				logger.Warn("Rate limit exceeded", zap.String("ip", ip))
				respondTooManyRequests(w)
				return
			}

			token := extractToken(r)
			if token == "" {
				respondUnauthorized(w, "Missing authentication token")
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.Debug("Token rejected",
					zap.Error(err),
					zap.String("ip", ip),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
				respondUnauthorized(w, "Invalid or expired token")
				return
			}

			userID := claims.UserID()
			if h := getUserHolder(r.Context()); h != nil {
				h.userID = userID
			}
			if limiter != nil && !limiter.AllowUser(userID) {
				logger.Warn("Rate limit exceeded", zap.String("user_id", userID))
				respondTooManyRequests(w)
				return
			}

			ctx := auth.SetUserInContext(r.Context(), &auth.UserContext{
				UserID:      userID,
				Email:       claims.Email,
				AccessToken: token,
			})
			ctx = common.WithUserID(ctx, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken reads the bearer token from the Authorization header, or
// from the token query parameter for websocket upgrades, which browsers
// cannot send headers with.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// getClientIP prefers the address set by chi's RealIP middleware.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="papervault"`)
	common.RespondError(w, http.StatusUnauthorized, common.StandardErrorCodes.Unauthorized, message)
}

func respondTooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	common.RespondError(w, http.StatusTooManyRequests, common.StandardErrorCodes.TooManyRequests, "Too many requests")
}
