package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/MarcoPoloResearchLab/cellsync/internal/users"
	"github.com/MarcoPoloResearchLab/cellsync/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "cellsync_user_id"
	displayNameContextKey = "cellsync_display_name"
	accessTokenQueryParam = "access_token"
)

const (
	failureConflict     = "conflict"
	failureValidation   = "validation"
	failureUnauthorized = "unauthorized"
	failureNetwork      = "network"
	failureUnknown      = "unknown"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRowsService    = errors.New("rows service dependency required")
	errMissingSchema         = errors.New("schema registry dependency required")
	errMissingCollaborators  = errors.New("collaborator directory dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
	errInvalidRequest        = errors.New("invalid request")
)

// TokenValidator resolves access tokens to identities.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// CollaboratorDirectory records collaborators and resolves display names.
type CollaboratorDirectory interface {
	Touch(ctx context.Context, identity auth.Identity) (users.Collaborator, error)
	DisplayName(ctx context.Context, userID string) string
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenValidator TokenValidator
	RowsService    *rows.Service
	Schema         *schema.Registry
	Collaborators  CollaboratorDirectory
	Realtime       *RealtimeDispatcher
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving rows, schema and realtime endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.RowsService == nil {
		return nil, errMissingRowsService
	}
	if deps.Schema == nil {
		return nil, errMissingSchema
	}
	if deps.Collaborators == nil {
		return nil, errMissingCollaborators
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:        deps.TokenValidator,
		rowsService:   deps.RowsService,
		schema:        deps.Schema,
		collaborators: deps.Collaborators,
		realtime:      realtime,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tables := router.Group("/tables/:table")
	tables.Use(handler.authorizeRequest)
	tables.GET("/schema", handler.handleSchema)
	tables.GET("/rows", handler.handleListRows)
	tables.POST("/rows", handler.handleInsertRow)
	tables.GET("/rows/:row", handler.handleGetRow)
	tables.PATCH("/rows/:row", handler.handlePatchRow)
	tables.DELETE("/rows/:row", handler.handleDeleteRow)
	tables.GET("/realtime", handler.handleRealtime)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens        TokenValidator
	rowsService   *rows.Service
	schema        *schema.Registry
	collaborators CollaboratorDirectory
	realtime      *RealtimeDispatcher
	clock         func() time.Time
	logger        *zap.Logger
}

type failurePayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
}

type patchRequestPayload struct {
	Patch     rows.Fields `json:"patch"`
	Condition struct {
		Version int64 `json:"version"`
	} `json:"condition"`
	Token string `json:"token"`
}

type insertRequestPayload struct {
	ID     string      `json:"id"`
	Fields rows.Fields `json:"fields"`
	Token  string      `json:"token"`
}

type listResponsePayload struct {
	Rows []rows.Row `json:"rows"`
}

type schemaFieldPayload struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	AllowedValues []string `json:"allowedValues,omitempty"`
}

type schemaResponsePayload struct {
	ID     string               `json:"id"`
	Fields []schemaFieldPayload `json:"fields"`
}

func (h *httpHandler) handleSchema(c *gin.Context) {
	table, err := h.schema.Table(c.Param("table"))
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	response := schemaResponsePayload{ID: table.ID, Fields: make([]schemaFieldPayload, 0, len(table.Fields))}
	for _, field := range table.Fields {
		response.Fields = append(response.Fields, schemaFieldPayload{
			ID:            field.ID,
			Type:          string(field.Type),
			AllowedValues: field.AllowedValues,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListRows(c *gin.Context) {
	tableID, ok := h.tableParam(c)
	if !ok {
		return
	}
	var since int64
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.writeFailure(c, fmt.Errorf("%w: since must be a unix timestamp", errInvalidRequest))
			return
		}
		since = parsed
	}
	listed, err := h.rowsService.ListRows(c.Request.Context(), tableID, since)
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponsePayload{Rows: listed})
}

func (h *httpHandler) handleGetRow(c *gin.Context) {
	tableID, rowID, ok := h.rowParams(c)
	if !ok {
		return
	}
	row, err := h.rowsService.GetRow(c.Request.Context(), tableID, rowID)
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *httpHandler) handlePatchRow(c *gin.Context) {
	tableID, rowID, ok := h.rowParams(c)
	if !ok {
		return
	}
	var request patchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeFailure(c, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	row, err := h.rowsService.ApplyPatch(c.Request.Context(), rows.PatchRequest{
		TableID:         tableID,
		RowID:           rowID,
		UserID:          c.GetString(userIDContextKey),
		Patch:           request.Patch,
		ExpectedVersion: rows.Version(request.Condition.Version),
		Token:           strings.TrimSpace(request.Token),
	})
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	h.publishRow(tableID, rows.EventTypeUpdate, row)
	c.JSON(http.StatusOK, row)
}

func (h *httpHandler) handleInsertRow(c *gin.Context) {
	tableID, ok := h.tableParam(c)
	if !ok {
		return
	}
	var request insertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeFailure(c, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	var rowID rows.RowID
	if strings.TrimSpace(request.ID) != "" {
		parsed, err := rows.NewRowID(request.ID)
		if err != nil {
			h.writeFailure(c, err)
			return
		}
		rowID = parsed
	}
	row, err := h.rowsService.InsertRow(c.Request.Context(), rows.InsertRequest{
		TableID: tableID,
		RowID:   rowID,
		UserID:  c.GetString(userIDContextKey),
		Fields:  request.Fields,
		Token:   strings.TrimSpace(request.Token),
	})
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	h.publishRow(tableID, rows.EventTypeInsert, row)
	c.JSON(http.StatusCreated, row)
}

func (h *httpHandler) handleDeleteRow(c *gin.Context) {
	tableID, rowID, ok := h.rowParams(c)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(strings.TrimSpace(c.Query("version")), 10, 64)
	if err != nil {
		h.writeFailure(c, fmt.Errorf("%w: version query parameter is required", errInvalidRequest))
		return
	}
	row, err := h.rowsService.DeleteRow(c.Request.Context(), rows.DeleteRequest{
		TableID:         tableID,
		RowID:           rowID,
		UserID:          c.GetString(userIDContextKey),
		ExpectedVersion: rows.Version(version),
		Token:           strings.TrimSpace(c.Query("token")),
	})
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	h.publishRow(tableID, rows.EventTypeDelete, row)
	c.JSON(http.StatusOK, row)
}

func (h *httpHandler) publishRow(tableID rows.TableID, eventType rows.EventType, row rows.Row) {
	h.realtime.Publish(RealtimeMessage{
		TableID: tableID.String(),
		Frame:   wire.RowFrame(rows.Event{Type: eventType, Row: row}),
	})
}

func (h *httpHandler) tableParam(c *gin.Context) (rows.TableID, bool) {
	tableID, err := rows.NewTableID(c.Param("table"))
	if err != nil {
		h.writeFailure(c, err)
		return "", false
	}
	return tableID, true
}

func (h *httpHandler) rowParams(c *gin.Context) (rows.TableID, rows.RowID, bool) {
	tableID, ok := h.tableParam(c)
	if !ok {
		return "", "", false
	}
	rowID, err := rows.NewRowID(c.Param("row"))
	if err != nil {
		h.writeFailure(c, err)
		return "", "", false
	}
	return tableID, rowID, true
}

// writeFailure maps err onto the structured failure body.
func (h *httpHandler) writeFailure(c *gin.Context, err error) {
	status, payload := failureFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", payload.Code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, payload)
}

func failureFor(err error) (int, failurePayload) {
	payload := failurePayload{Kind: failureUnknown, Detail: err.Error()}
	var serviceErr *rows.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, rows.ErrVersionConflict), errors.Is(err, rows.ErrRowDeleted), errors.Is(err, rows.ErrRowExists):
		payload.Kind = failureConflict
		return http.StatusConflict, payload
	case errors.Is(err, schema.ErrValidation),
		errors.Is(err, schema.ErrUnknownField),
		errors.Is(err, rows.ErrEmptyPatch),
		errors.Is(err, rows.ErrInvalidVersion),
		errors.Is(err, rows.ErrInvalidTableID),
		errors.Is(err, rows.ErrInvalidRowID),
		errors.Is(err, errInvalidRequest):
		payload.Kind = failureValidation
		return http.StatusUnprocessableEntity, payload
	case errors.Is(err, rows.ErrRowNotFound), errors.Is(err, schema.ErrUnknownTable):
		return http.StatusNotFound, payload
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		payload.Kind = failureNetwork
		return http.StatusServiceUnavailable, payload
	default:
		return http.StatusInternalServerError, payload
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, failurePayload{Kind: failureUnauthorized, Detail: errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, failurePayload{Kind: failureUnauthorized, Detail: "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Set(displayNameContextKey, identity.DisplayName)
	c.Next()
}

// bearerToken reads the Authorization header, or the access_token query parameter when the header is absent.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryParam))
	return token, token != ""
}
