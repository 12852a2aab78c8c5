package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/transport/http/middleware"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, code, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		Code:    code,
		TraceID: middleware.GetTraceID(c),
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// TwoFactorStatusResponse describes the caller's second factor.
type TwoFactorStatusResponse struct {
	State                domain.TwoFactorState `json:"state"`
	Enabled              bool                  `json:"enabled"`
	ConfirmedAt          *time.Time            `json:"confirmed_at,omitempty"`
	BackupCodesRemaining int                   `json:"backup_codes_remaining"`
	Methods              []domain.CodeKind     `json:"methods"`
}

// EnrollRequest optionally overrides the label shown in authenticator apps.
type EnrollRequest struct {
	AccountName string `json:"account_name"`
}

// EnrollResponse carries the provisioning material. The secret is returned only here.
type EnrollResponse struct {
	Secret          string    `json:"secret"`
	ProvisioningURI string    `json:"provisioning_uri"`
	QRCode          string    `json:"qr_code,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CodeRequest submits a TOTP or backup code.
type CodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// ConfirmResponse returns the first batch of backup codes.
type ConfirmResponse struct {
	EnabledAt   time.Time `json:"enabled_at"`
	BackupCodes []string  `json:"backup_codes"`
}

// DisableRequest carries the reauthentication proof. Without a password the
// token's auth_time must be recent.
type DisableRequest struct {
	Password string `json:"password"`
}

// BackupCodesResponse returns a freshly generated batch.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// VerifyRequest is the login-time second-factor submission.
type VerifyRequest struct {
	Code string          `json:"code" binding:"required"`
	Kind domain.CodeKind `json:"kind"`
}

// VerifyResponse reports the gate verdict.
type VerifyResponse struct {
	Outcome           domain.VerificationOutcome `json:"outcome"`
	Method            domain.CodeKind            `json:"method,omitempty"`
	VerifiedAt        *time.Time                 `json:"verified_at,omitempty"`
	RetryAfterSeconds int                        `json:"retry_after_seconds,omitempty"`
	RemainingAttempts *int                       `json:"remaining_attempts,omitempty"`
}

// RevokeRequest records why an administrator removed a user's second factor.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Checks    map[string]string `json:"checks,omitempty"`
}
