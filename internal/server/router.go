package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vigia-electoral/vigia/internal/auth"
	"github.com/vigia-electoral/vigia/internal/schools"
	"go.uber.org/zap"
)

const claimsContextKey = "vigia_operator_claims"

const heartbeatInterval = 30 * time.Second

var (
	errMissingStorage    = errors.New("server: storage dependency required")
	errMissingTokens     = errors.New("server: token issuer dependency required")
	errMissingDispatcher = errors.New("server: realtime dispatcher required")
)

// TokenManager issues and validates operator tokens.
type TokenManager interface {
	IssueToken(subject string, profile auth.OperatorProfile) (string, int64, error)
	ValidateToken(token string) (auth.OperatorClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Storage  *Storage
	Tokens   TokenManager
	Realtime *Dispatcher
	Logger   *zap.Logger
	Clock    func() time.Time
}

// NewHTTPHandler builds the REST + SSE surface of the monitoring backend.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Storage == nil {
		return nil, errMissingStorage
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		storage:  deps.Storage,
		tokens:   deps.Tokens,
		realtime: deps.Realtime,
		logger:   logger,
		clock:    clock,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.GET("/events", handler.handleEvents)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/schools", handler.handleStationSchools)
	protected.GET("/admin/schools", handler.handleAdminSchools)
	protected.PATCH("/schools/:id", handler.handlePatchSchool)
	protected.POST("/schools/:id/novelties", handler.handleAddNovelty)
	protected.POST("/schools/:id/reset", handler.handleResetSchool)

	return router, nil
}

type httpHandler struct {
	storage  *Storage
	tokens   TokenManager
	realtime *Dispatcher
	logger   *zap.Logger
	clock    func() time.Time
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginUserPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type loginResponsePayload struct {
	Token string           `json:"token"`
	User  loginUserPayload `json:"user"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account, err := h.storage.FindOperator(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		h.logger.Error("operator lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	token, _, err := h.tokens.IssueToken(account.OperatorID, auth.OperatorProfile{
		Username:    account.Username,
		Role:        account.Role,
		StationID:   account.StationID,
		StationName: account.StationName,
	})
	if err != nil {
		h.logger.Error("token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		Token: token,
		User: loginUserPayload{
			ID:       account.OperatorID,
			Username: account.Username,
			Role:     account.Role,
		},
	})
}

func (h *httpHandler) handleStationSchools(c *gin.Context) {
	claims := h.mustClaims(c)
	stationID := claims.StationID
	if claims.Role == auth.RoleAdmin {
		stationID = ""
	}

	list, err := h.storage.ListSchools(c.Request.Context(), stationID)
	if err != nil {
		h.logger.Error("school listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleAdminSchools(c *gin.Context) {
	claims := h.mustClaims(c)
	if claims.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		return
	}

	list, err := h.storage.ListSchools(c.Request.Context(), "")
	if err != nil {
		h.logger.Error("school listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handlePatchSchool(c *gin.Context) {
	claims := h.mustClaims(c)
	schoolID := c.Param("id")

	var patch schools.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if !h.operatorMayEdit(c, claims, schoolID) {
		return
	}

	updated, err := h.storage.ApplyPatch(c.Request.Context(), schoolID, patch)
	if err != nil {
		h.renderStorageError(c, err)
		return
	}

	h.publish(updated)
	c.JSON(http.StatusOK, updated)
}

type noveltyRequestPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (h *httpHandler) handleAddNovelty(c *gin.Context) {
	claims := h.mustClaims(c)
	schoolID := c.Param("id")

	var request noveltyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	noveltyType, err := schools.ParseNoveltyType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown novelty type"})
		return
	}

	if !h.operatorMayEdit(c, claims, schoolID) {
		return
	}

	created, err := h.storage.AddNovelty(c.Request.Context(), schoolID, noveltyType, strings.TrimSpace(request.Text), claims.Username)
	if err != nil {
		h.renderStorageError(c, err)
		return
	}

	if school, err := h.storage.GetSchool(c.Request.Context(), schoolID); err == nil {
		h.publish(school)
	}
	c.JSON(http.StatusCreated, created)
}

type resetRequestPayload struct {
	KeepEffectives    bool `json:"keepEffectives"`
	KeepMesasAssigned bool `json:"keepMesasAssigned"`
}

func (h *httpHandler) handleResetSchool(c *gin.Context) {
	claims := h.mustClaims(c)
	if claims.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		return
	}

	var request resetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	updated, err := h.storage.Reset(c.Request.Context(), c.Param("id"), request.KeepEffectives, request.KeepMesasAssigned)
	if err != nil {
		h.renderStorageError(c, err)
		return
	}

	h.publish(updated)
	c.JSON(http.StatusOK, updated)
}

// handleEvents serves the server-push channel. The credential arrives as a
// query parameter because EventSource cannot set headers.
func (h *httpHandler) handleEvents(c *gin.Context) {
	claims, err := h.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	events, cleanup := h.realtime.Subscribe(c.Request.Context(), claims.StationID, claims.Role == auth.RoleAdmin)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent(eventConnected, gin.H{"at": h.clock().UTC()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(EventSchoolUpdate, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"at": h.clock().UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) mustClaims(c *gin.Context) auth.OperatorClaims {
	value, _ := c.Get(claimsContextKey)
	claims, _ := value.(auth.OperatorClaims)
	return claims
}

// operatorMayEdit rejects station operators touching schools outside their
// comisaría. Admins may edit everything.
func (h *httpHandler) operatorMayEdit(c *gin.Context, claims auth.OperatorClaims, schoolID string) bool {
	if claims.Role == auth.RoleAdmin {
		return true
	}
	school, err := h.storage.GetSchool(c.Request.Context(), schoolID)
	if err != nil {
		h.renderStorageError(c, err)
		return false
	}
	if school.Station.ID != claims.StationID {
		c.JSON(http.StatusForbidden, gin.H{"error": "school outside operator station"})
		return false
	}
	return true
}

func (h *httpHandler) renderStorageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSchoolNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "school not found"})
	case errors.Is(err, ErrHourlyLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "hourly report already locked"})
	case errors.Is(err, ErrPercentOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "percent must be between 0 and 100"})
	case errors.Is(err, ErrTooManyEffectives):
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d effectives allowed", schools.MaxEffectives)})
	default:
		h.logger.Error("school mutation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func (h *httpHandler) publish(school schools.School) {
	h.realtime.Publish(SchoolEvent{
		SchoolID:  school.ID,
		StationID: school.Station.ID,
		At:        h.clock().UTC(),
	})
}
