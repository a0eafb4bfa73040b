// Package httpapi exposes the entitle engine over HTTP using gin.
//
// User routes accept any authenticated caller; the /v1/admin group requires a
// caller carrying the admin claim.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/auth"
	"github.com/xraph/entitle/dedup"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/scheduler"
)

const callerKey = "entitle.caller"

// Server wires engine operations to gin handlers.
type Server struct {
	engine *entitle.Engine
	authn  auth.Authenticator
	guard  Guard
	logger *slog.Logger
}

// Guard runs one engine run at a time. *scheduler.Guard implements it.
type Guard interface {
	Run(ctx context.Context, name string, fn scheduler.RunFunc) (*entitle.RunResult, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGuard sets the guard admin runs go through. Pass the scheduler's guard
// so on-demand runs never overlap scheduled ones.
func WithGuard(g Guard) Option {
	return func(s *Server) {
		if g != nil {
			s.guard = g
		}
	}
}

// New creates a Server. Without WithGuard, admin runs are serialized inside
// this process only.
func New(engine *entitle.Engine, authn auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		authn:  authn,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = scheduler.NewGuard(nil, 0, s.logger)
	}
	return s
}

// Handler returns a gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())
	s.Register(r)
	return r
}

// Register mounts the routes on r.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1", s.authenticate())
	v1.POST("/users", s.createUser)
	v1.POST("/purchases", s.applyPurchase)
	v1.GET("/users/:uid/status", s.status)

	admin := v1.Group("/admin", requireAdmin())
	admin.POST("/reconcile", s.reconcile)
	admin.POST("/backfill/limits", s.backfillLimits)
	admin.POST("/backfill/users", s.backfillUsers)
	admin.POST("/dedup", s.dedup)
	admin.PUT("/users/:uid/usage", s.correctUsage)
	admin.PUT("/entitlements/:id/tier", s.changeTier)
	admin.GET("/report", s.report)
}

// ==================== Middleware ====================

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, "not_authenticated")
			return
		}
		caller, err := s.authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			s.logger.Debug("authentication failed", "error", err)
			abort(c, http.StatusUnauthorized, "not_authenticated")
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !callerFrom(c).IsAdmin {
			abort(c, http.StatusForbidden, "not_authorized")
			return
		}
		c.Next()
	}
}

func callerFrom(c *gin.Context) entitle.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(entitle.Caller); ok {
			return caller
		}
	}
	return entitle.Caller{}
}

// ==================== Handlers ====================

func (s *Server) health(c *gin.Context) {
	if err := s.engine.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createUserRequest struct {
	UID string `json:"uid"`
}

func (s *Server) createUser(c *gin.Context) {
	caller := callerFrom(c)

	var req createUserRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid_request")
			return
		}
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" {
		uid = caller.UID
	}
	if uid != caller.UID && !caller.IsAdmin {
		abort(c, http.StatusForbidden, "not_authorized")
		return
	}

	rec, err := s.engine.CreateFreeEntitlement(c.Request.Context(), uid)
	switch {
	case errors.Is(err, entitle.ErrAlreadyExists):
		c.JSON(http.StatusOK, gin.H{"message": "already exists", "entitlement": rec})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusCreated, gin.H{"entitlement": rec})
	}
}

func (s *Server) applyPurchase(c *gin.Context) {
	var p entitle.Purchase
	if err := c.ShouldBindJSON(&p); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request")
		return
	}
	rec, err := s.engine.ApplyPurchase(c.Request.Context(), callerFrom(c), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": rec})
}

func (s *Server) status(c *gin.Context) {
	caller := callerFrom(c)
	uid := c.Param("uid")
	if uid != caller.UID && !caller.IsAdmin {
		abort(c, http.StatusForbidden, "not_authorized")
		return
	}
	st, err := s.engine.SubscriptionStatus(c.Request.Context(), uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) reconcile(c *gin.Context) {
	s.runResult(c)(s.guard.Run(c.Request.Context(), "reconcile", s.engine.ReconcileQuotas))
}

func (s *Server) backfillLimits(c *gin.Context) {
	s.runResult(c)(s.guard.Run(c.Request.Context(), "backfill-limits", s.engine.BackfillLimits))
}

type backfillUsersRequest struct {
	UIDs []string `json:"uids" binding:"required"`
}

func (s *Server) backfillUsers(c *gin.Context) {
	var req backfillUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request")
		return
	}
	caller := callerFrom(c)
	s.runResult(c)(s.guard.Run(c.Request.Context(), "backfill-users", func(ctx context.Context) (*entitle.RunResult, error) {
		return s.engine.BackfillUsers(ctx, caller, req.UIDs)
	}))
}

type dedupRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) dedup(c *gin.Context) {
	var req dedupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid_request")
			return
		}
	}
	if req.UserID == "" {
		s.runResult(c)(s.guard.Run(c.Request.Context(), "dedup", s.engine.SweepDuplicates))
		return
	}
	caller := callerFrom(c)
	var res dedup.Resolution
	_, err := s.guard.Run(c.Request.Context(), "dedup", func(ctx context.Context) (*entitle.RunResult, error) {
		var err error
		res, err = s.engine.ResolveDuplicates(ctx, caller, req.UserID)
		return nil, err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type correctUsageRequest struct {
	BooksRead *int `json:"booksRead" binding:"required"`
}

func (s *Server) correctUsage(c *gin.Context) {
	var req correctUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request")
		return
	}
	rec, err := s.engine.CorrectUsage(c.Request.Context(), callerFrom(c), c.Param("uid"), *req.BooksRead)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": rec})
}

type changeTierRequest struct {
	Tier entitlement.Tier `json:"tier" binding:"required"`
}

func (s *Server) changeTier(c *gin.Context) {
	var req changeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request")
		return
	}
	rec, err := s.engine.ChangeTier(c.Request.Context(), callerFrom(c), c.Param("id"), req.Tier)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": rec})
}

func (s *Server) report(c *gin.Context) {
	lines, err := s.engine.Report(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": lines, "count": len(lines)})
}

func (s *Server) runResult(c *gin.Context) func(*entitle.RunResult, error) {
	return func(res *entitle.RunResult, err error) {
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ==================== Errors ====================

// statusFor maps an engine error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, entitle.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, entitle.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, entitle.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, entitle.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, entitle.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, scheduler.ErrLockHeld):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, scheduler.ErrLockLost):
		return http.StatusServiceUnavailable, "run_interrupted"
	case errors.Is(err, entitle.ErrPartialCommit):
		return http.StatusInternalServerError, "partial_commit"
	case errors.Is(err, entitle.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	body := gin.H{"error": code, "retryable": entitle.IsRetryable(err)}

	var runErr *entitle.RunError
	if errors.As(err, &runErr) && runErr.Result != nil {
		body["phase"] = runErr.Phase
		body["result"] = runErr.Result
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func abort(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
