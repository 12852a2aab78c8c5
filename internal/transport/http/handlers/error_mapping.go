package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-twofactor/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// twoFactorErrorCases is shared by every two-factor endpoint.
var twoFactorErrorCases = []ErrorCase{
	{Err: usecase.ErrInvalidFormat, Status: http.StatusBadRequest, Code: "invalid_format", Message: "code has an invalid format"},
	{Err: usecase.ErrNotEnrolled, Status: http.StatusConflict, Code: "not_enrolled", Message: "two-factor authentication is not enabled"},
	{Err: usecase.ErrAlreadyEnabled, Status: http.StatusConflict, Code: "already_enabled", Message: "two-factor authentication is already enabled"},
	{Err: usecase.ErrReauthRequired, Status: http.StatusForbidden, Code: "reauth_required", Message: "re-authentication required"},
	{Err: usecase.ErrInvalidCode, Status: http.StatusUnauthorized, Code: "invalid_code", Message: "invalid code"},
	{Err: usecase.ErrEnrollmentNotPending, Status: http.StatusConflict, Code: "enrollment_not_pending", Message: "no pending enrollment"},
	{Err: usecase.ErrEnrollmentExpired, Status: http.StatusConflict, Code: "enrollment_expired", Message: "pending enrollment expired, start again"},
	{Err: usecase.ErrEnrollmentAttemptsExceeded, Status: http.StatusConflict, Code: "enrollment_attempts_exceeded", Message: "too many confirmation attempts, start again"},
	{Err: usecase.ErrVersionConflict, Status: http.StatusConflict, Code: "conflict", Message: "concurrent update, retry the request"},
	{Err: usecase.ErrTwoFactorUnavailable, Status: http.StatusServiceUnavailable, Code: "unavailable", Message: "two-factor service unavailable"},
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
// Lockouts answer 429 with Retry-After.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	var locked *usecase.LockedError
	if errors.As(err, &locked) {
		setRetryAfter(c, locked.RetryAfter)
		c.JSON(http.StatusTooManyRequests, NewErrorResponse(c, "locked", "too many failed attempts, try again later"))
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Code, cs.Message))
			return
		}
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, "internal_error", fallbackMessage))
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
}

func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
