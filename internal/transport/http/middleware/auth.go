package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-twofactor/internal/infra/security"
)

const (
	userIDKey      = "user_id"
	claimsKey      = "claims"
	challengeIDKey = "challenge_id"
)

// ErrorResponse matches the handlers.ErrorResponse structure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code, TraceID: GetTraceID(c)})
}

// RequireAuth validates a bearer access token and stores its claims on the context.
func RequireAuth(verifier *security.TokenVerifier) gin.HandlerFunc {
	return requireToken(verifier, security.TokenTypeAccess)
}

// RequireChallenge validates the short-lived token issued after a successful password step
// while the second factor is pending. The token id scopes the challenge attempt budget.
func RequireChallenge(verifier *security.TokenVerifier) gin.HandlerFunc {
	return requireToken(verifier, security.TokenTypeChallenge)
}

func requireToken(verifier *security.TokenVerifier, tokenType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "missing or malformed bearer token")
			return
		}

		claims, err := verifier.Parse(raw, tokenType)
		if err != nil {
			switch {
			case errors.Is(err, security.ErrExpiredToken):
				abortWithError(c, http.StatusUnauthorized, "token_expired", "token expired")
			case errors.Is(err, security.ErrInvalidToken):
				abortWithError(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			default:
				abortWithError(c, http.StatusInternalServerError, "internal_error", "authentication failed")
			}
			return
		}

		c.Set(userIDKey, claims.UserID())
		c.Set(claimsKey, claims)
		if tokenType == security.TokenTypeChallenge {
			c.Set(challengeIDKey, claims.ID)
		}

		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireRole checks that the authenticated caller has at least one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		for _, role := range roles {
			if slices.Contains(claims.Roles, role) {
				c.Next()
				return
			}
		}

		abortWithError(c, http.StatusForbidden, "forbidden", "insufficient permissions")
	}
}

// GetAuthenticatedUserID returns the subject of the validated token.
func GetAuthenticatedUserID(c *gin.Context) (string, bool) {
	id := c.GetString(userIDKey)
	return id, id != ""
}

// GetClaims returns the validated token claims.
func GetClaims(c *gin.Context) (*security.Claims, bool) {
	val, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := val.(*security.Claims)
	return claims, ok
}

// GetChallengeID returns the id of the challenge token, set by RequireChallenge.
func GetChallengeID(c *gin.Context) (string, bool) {
	id := c.GetString(challengeIDKey)
	return id, id != ""
}
