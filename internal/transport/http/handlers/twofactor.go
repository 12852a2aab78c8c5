package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/infra/logger"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/transport/http/middleware"
	"github.com/arklim/iam-twofactor/internal/usecase"
)

// TwoFactorHandler exposes enrollment management and the login-time verification endpoint.
type TwoFactorHandler struct {
	enrollment *usecase.EnrollmentService
	gate       *usecase.VerificationGate
	verifier   *security.TokenVerifier
	logger     *zap.Logger
}

// NewTwoFactorHandler constructs TwoFactorHandler.
func NewTwoFactorHandler(enrollment *usecase.EnrollmentService, gate *usecase.VerificationGate, verifier *security.TokenVerifier, log *zap.Logger) *TwoFactorHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TwoFactorHandler{
		enrollment: enrollment,
		gate:       gate,
		verifier:   verifier,
		logger:     log,
	}
}

// RegisterRoutes binds the two-factor routes. verifyMiddlewares run ahead of the
// challenge check on /verify, typically the IP rate limiter.
func (h *TwoFactorHandler) RegisterRoutes(r *gin.RouterGroup, verifyMiddlewares ...gin.HandlerFunc) {
	authed := r.Group("", middleware.RequireAuth(h.verifier))
	authed.GET("/status", h.status)
	authed.POST("/enroll", h.enroll)
	authed.POST("/enroll/confirm", h.confirm)
	authed.POST("/disable", h.disable)
	authed.POST("/backup-codes/regenerate", h.regenerate)

	admin := authed.Group("/admin", middleware.RequireRole("admin"))
	admin.POST("/users/:user_id/revoke", h.revoke)

	chain := append([]gin.HandlerFunc{}, verifyMiddlewares...)
	chain = append(chain, middleware.RequireChallenge(h.verifier), h.verify)
	r.POST("/verify", chain...)
}

func (h *TwoFactorHandler) status(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)

	status, err := h.enrollment.Status(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "load two-factor status", err)
		return
	}

	methods := make([]domain.CodeKind, 0, 2)
	for _, kind := range []domain.CodeKind{domain.CodeKindTOTP, domain.CodeKindBackup} {
		if status.Methods[kind] {
			methods = append(methods, kind)
		}
	}

	c.JSON(http.StatusOK, TwoFactorStatusResponse{
		State:                status.State,
		Enabled:              status.Enabled,
		ConfirmedAt:          status.ConfirmedAt,
		BackupCodesRemaining: status.BackupCodesRemaining,
		Methods:              methods,
	})
}

func (h *TwoFactorHandler) enroll(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)

	var req EnrollRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "invalid enrollment payload"))
			return
		}
	}

	start, err := h.enrollment.Begin(c.Request.Context(), userID, strings.TrimSpace(req.AccountName))
	if err != nil {
		h.respondError(c, "begin enrollment", err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, EnrollResponse{
		Secret:          start.Secret,
		ProvisioningURI: start.ProvisioningURI,
		QRCode:          start.QRCode,
		ExpiresAt:       start.ExpiresAt,
	})
}

func (h *TwoFactorHandler) confirm(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)

	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "code is required"))
		return
	}

	confirmation, err := h.enrollment.Confirm(c.Request.Context(), userID, strings.TrimSpace(req.Code))
	if err != nil {
		h.respondError(c, "confirm enrollment", err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, ConfirmResponse{
		EnabledAt:   confirmation.EnabledAt,
		BackupCodes: confirmation.BackupCodes,
	})
}

func (h *TwoFactorHandler) disable(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)

	var req DisableRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "invalid disable payload"))
			return
		}
	}

	proof := domain.ReauthProof{Password: req.Password}
	if claims, ok := middleware.GetClaims(c); ok {
		proof.AuthenticatedAt = claims.AuthenticatedAt()
	}

	if err := h.enrollment.Disable(c.Request.Context(), userID, proof); err != nil {
		h.respondError(c, "disable two-factor", err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "two-factor authentication disabled"})
}

func (h *TwoFactorHandler) regenerate(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)

	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "code is required"))
		return
	}

	codes, err := h.enrollment.RegenerateBackupCodes(c.Request.Context(), userID, strings.TrimSpace(req.Code))
	if err != nil {
		h.respondError(c, "regenerate backup codes", err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

func (h *TwoFactorHandler) revoke(c *gin.Context) {
	actorID, _ := middleware.GetAuthenticatedUserID(c)
	target := strings.TrimSpace(c.Param("user_id"))
	if target == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "user id is required"))
		return
	}

	var req RevokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "invalid revoke payload"))
			return
		}
	}

	if err := h.enrollment.Revoke(c.Request.Context(), target, actorID, strings.TrimSpace(req.Reason)); err != nil {
		h.respondError(c, "revoke two-factor", err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "two-factor authentication revoked"})
}

func (h *TwoFactorHandler) verify(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)
	challengeID, _ := middleware.GetChallengeID(c)

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid_request", "code is required"))
		return
	}

	result, err := h.gate.Verify(c.Request.Context(), usecase.VerificationInput{
		UserID:      userID,
		ChallengeID: challengeID,
		Code:        req.Code,
		Kind:        req.Kind,
	})
	if err != nil {
		h.respondError(c, "verify second factor", err)
		return
	}

	resp := VerifyResponse{Outcome: result.Outcome, Method: result.Kind}
	switch result.Outcome {
	case domain.VerificationVerified:
		resp.VerifiedAt = result.VerifiedAt
		c.JSON(http.StatusOK, resp)
	case domain.VerificationLocked:
		resp.Method = ""
		resp.RetryAfterSeconds = retryAfterSeconds(result.RetryAfter)
		setRetryAfter(c, result.RetryAfter)
		c.JSON(http.StatusTooManyRequests, resp)
	default:
		resp.Method = ""
		remaining := result.RemainingAttempts
		resp.RemainingAttempts = &remaining
		c.JSON(http.StatusUnauthorized, resp)
	}
}

func (h *TwoFactorHandler) respondError(c *gin.Context, op string, err error) {
	RespondWithMappedError(c, err, twoFactorErrorCases, http.StatusInternalServerError, "internal server error")
	if c.Writer.Status() >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context(), h.logger).Error(op+" failed", zap.Error(err))
	}
}
