package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/internal/repository"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/response"
)

// RoleService is the JWT role required on internal routes.
const RoleService = "service"

// Handler handles HTTP requests for the relation service.
type Handler struct {
	svc            service.RelationService
	authMiddleware *middleware.AuthMiddleware
	retry          RetryPolicy
}

// NewHandler creates a new HTTP handler.
func NewHandler(svc service.RelationService, authMiddleware *middleware.AuthMiddleware, retry RetryPolicy) *Handler {
	return &Handler{
		svc:            svc,
		authMiddleware: authMiddleware,
		retry:          retry,
	}
}

// RegisterRoutes registers all routes onto the Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		users := api.Group("/users")
		{
			// POST /api/v1/users/:user_id/follow: auth required
			users.POST("/:user_id/follow", h.authMiddleware.RequireAuth(), h.Follow)
			// DELETE /api/v1/users/:user_id/follow: auth required
			users.DELETE("/:user_id/follow", h.authMiddleware.RequireAuth(), h.Unfollow)
			// GET /api/v1/users/:user_id/followers: no auth
			users.GET("/:user_id/followers", h.GetFollowers)
			// GET /api/v1/users/:user_id/following: no auth
			users.GET("/:user_id/following", h.GetFollowing)
			// GET /api/v1/users/:user_id/stats: no auth
			users.GET("/:user_id/stats", h.GetStats)
			// POST /api/v1/users/:user_id/following/status: no auth
			users.POST("/:user_id/following/status", h.BatchIsFollowing)
		}
	}

	internal := r.Group("/internal/v1", h.authMiddleware.RequireAuth(), h.authMiddleware.RequireRole(RoleService))
	{
		internal.POST("/counters", h.ProvisionCounter)
		internal.POST("/counters/:user_id/reconcile", h.Reconcile)
	}
}

// Follow handles POST /api/v1/users/:user_id/follow.
// The authenticated user follows the target user.
func (h *Handler) Follow(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	followerID := middleware.GetUserID(c)
	if followerID == "" {
		response.Unauthorized(c, "unauthorized")
		return
	}

	targetID := c.Param("user_id")
	if targetID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	outcome, err := h.retry.do(ctx, func() (domain.Outcome, error) {
		return h.svc.Follow(ctx, followerID, targetID)
	})
	if err != nil {
		l.Error().Err(err).
			Str(pkglog.FieldFollowerID, followerID).
			Str(pkglog.FieldFollowingID, targetID).
			Msg("follow failed")
		writeError(c, err)
		return
	}

	response.Success(c, outcomeBody(outcome))
}

// Unfollow handles DELETE /api/v1/users/:user_id/follow.
// The authenticated user unfollows the target user.
func (h *Handler) Unfollow(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	followerID := middleware.GetUserID(c)
	if followerID == "" {
		response.Unauthorized(c, "unauthorized")
		return
	}

	targetID := c.Param("user_id")
	if targetID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	outcome, err := h.retry.do(ctx, func() (domain.Outcome, error) {
		return h.svc.Unfollow(ctx, followerID, targetID)
	})
	if err != nil {
		l.Error().Err(err).
			Str(pkglog.FieldFollowerID, followerID).
			Str(pkglog.FieldFollowingID, targetID).
			Msg("unfollow failed")
		writeError(c, err)
		return
	}

	response.Success(c, outcomeBody(outcome))
}

func outcomeBody(outcome domain.Outcome) gin.H {
	return gin.H{
		"status":    outcome,
		"following": outcome.Following(),
	}
}

// GetFollowers handles GET /api/v1/users/:user_id/followers.
func (h *Handler) GetFollowers(c *gin.Context) {
	h.listEdges(c, h.svc.GetFollowers)
}

// GetFollowing handles GET /api/v1/users/:user_id/following.
func (h *Handler) GetFollowing(c *gin.Context) {
	h.listEdges(c, h.svc.GetFollowing)
}

type edgeLister func(ctx context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error)

func (h *Handler) listEdges(c *gin.Context, list edgeLister) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	userID := c.Param("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	page, err := queryInt(c, "page", 1)
	if err != nil {
		response.BadRequest(c, "page must be an integer")
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		response.BadRequest(c, "limit must be an integer")
		return
	}

	result, err := list(ctx, userID, page, limit)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldEntityID, userID).Msg("list edges failed")
		writeError(c, err)
		return
	}

	response.Paginated(c, result.Edges, response.Pagination{
		Page:       result.Page,
		PageSize:   result.PageSize,
		Total:      result.Total,
		TotalPages: result.TotalPages,
	})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// GetStats handles GET /api/v1/users/:user_id/stats.
func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	userID := c.Param("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	stats, err := h.svc.GetStats(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrEntityNotProvisioned) {
			response.NotFound(c, "stats not found")
			return
		}
		l.Error().Err(err).Str(pkglog.FieldEntityID, userID).Msg("get stats failed")
		writeError(c, err)
		return
	}

	response.Success(c, stats)
}

// followingStatusRequest is the request body for POST /users/:user_id/following/status.
type followingStatusRequest struct {
	TargetIDs []string `json:"target_ids" binding:"required"`
}

// BatchIsFollowing handles POST /api/v1/users/:user_id/following/status.
func (h *Handler) BatchIsFollowing(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	followerID := c.Param("user_id")
	if followerID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	var req followingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid following status request")
		response.BadRequest(c, err.Error())
		return
	}
	if len(req.TargetIDs) > repository.MaxPageSize {
		response.BadRequest(c, "too many target_ids")
		return
	}

	results, err := h.svc.BatchIsFollowing(ctx, followerID, req.TargetIDs)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldFollowerID, followerID).Msg("batch is-following failed")
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"results": results})
}

// provisionRequest is the request body for POST /internal/v1/counters.
type provisionRequest struct {
	EntityID string `json:"entity_id" binding:"required"`
}

// ProvisionCounter handles POST /internal/v1/counters.
func (h *Handler) ProvisionCounter(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	created, err := h.svc.ProvisionCounter(ctx, req.EntityID)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldEntityID, req.EntityID).Msg("provision counter failed")
		writeError(c, err)
		return
	}

	body := gin.H{"entity_id": req.EntityID, "created": created}
	if created {
		response.Created(c, body)
		return
	}
	response.Success(c, body)
}

// Reconcile handles POST /internal/v1/counters/:user_id/reconcile.
func (h *Handler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()

	userID := c.Param("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	drift, err := h.svc.Reconcile(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrEntityNotProvisioned) {
			response.NotFound(c, "counter not found")
			return
		}
		writeError(c, err)
		return
	}

	response.Success(c, drift)
}

// writeError maps service errors to responses without leaking storage detail.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSelfFollow):
		response.Error(c, http.StatusBadRequest, "SELF_FOLLOW", "cannot follow yourself")
	case errors.Is(err, service.ErrInvalidEntityID):
		response.BadRequest(c, "user_id is required")
	case errors.Is(err, service.ErrEntityNotProvisioned):
		response.Error(c, http.StatusInternalServerError, "ENTITY_NOT_PROVISIONED", "entity is not provisioned")
	case errors.Is(err, service.ErrInvariantViolation):
		response.Error(c, http.StatusInternalServerError, "INVARIANT_VIOLATION", "relationship counters are inconsistent")
	case errors.Is(err, service.ErrTransientStorage):
		response.Error(c, http.StatusServiceUnavailable, "TRANSIENT_STORAGE_FAILURE", "temporarily unavailable, retry later")
	default:
		response.InternalError(c, "internal error")
	}
}
