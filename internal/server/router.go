package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/comments"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"github.com/LoomLabsHQ/loom/backend/internal/history"
	"github.com/LoomLabsHQ/loom/backend/internal/merge"
	"github.com/LoomLabsHQ/loom/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "loom_subject"
	nameContextKey    = "loom_display_name"
	roleContextKey    = "loom_role"
)

var (
	errMissingTokenService    = errors.New("token service dependency required")
	errMissingDocumentStore   = errors.New("document store dependency required")
	errMissingGateway         = errors.New("gateway dependency required")
	errMissingHistoryService  = errors.New("history service dependency required")
	errMissingMergeEngine     = errors.New("merge engine dependency required")
	errMissingCommentsService = errors.New("comments service dependency required")
	errInvalidAuthorization   = errors.New("authorization missing or invalid")
)

// TokenService issues and validates session tokens.
type TokenService interface {
	IssueSessionToken(ctx context.Context, claims auth.SessionClaims) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the collaboration services.
type Dependencies struct {
	Tokens    TokenService
	Documents *document.Store
	Gateway   *realtime.Gateway
	History   *history.Service
	Merges    *merge.Engine
	Comments  *comments.Service
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router for the collaboration API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.History == nil {
		return nil, errMissingHistoryService
	}
	if deps.Merges == nil {
		return nil, errMissingMergeEngine
	}
	if deps.Comments == nil {
		return nil, errMissingCommentsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		documents: deps.Documents,
		gateway:   deps.Gateway,
		history:   deps.History,
		merges:    deps.Merges,
		comments:  deps.Comments,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/documents/:id/collab", handler.handleCollab)

	protected.POST("/documents/:id/branches", requireRole(auth.RoleWriter), handler.handleCreateBranch)
	protected.GET("/documents/:id/branches", handler.handleListBranches)
	protected.PATCH("/branches/:id", requireRole(auth.RoleWriter), handler.handleUpdateBranch)
	protected.DELETE("/branches/:id", requireRole(auth.RoleWriter), handler.handleDeleteBranch)
	protected.POST("/branches/:id/switch", requireRole(auth.RoleWriter), handler.handleSwitchBranch)

	protected.POST("/branches/:id/versions", requireRole(auth.RoleWriter), handler.handleCommitVersion)
	protected.GET("/branches/:id/versions", handler.handleListVersions)
	protected.POST("/versions/:id/rollback", requireRole(auth.RoleWriter), handler.handleRollback)

	protected.POST("/documents/:id/merges/preview", handler.handlePreviewMerge)
	protected.POST("/documents/:id/merges", requireRole(auth.RoleWriter), handler.handleMerge)
	protected.POST("/merges/:id/resolve", requireRole(auth.RoleWriter), handler.handleResolveMerge)
	protected.POST("/merges/:id/abandon", requireRole(auth.RoleWriter), handler.handleAbandonMerge)

	protected.POST("/documents/:id/comments", requireRole(auth.RoleCommenter), handler.handleAddComment)
	protected.GET("/documents/:id/comments", handler.handleListComments)
	protected.PATCH("/comments/:id", requireRole(auth.RoleCommenter), handler.handleEditComment)
	protected.DELETE("/comments/:id", requireRole(auth.RoleCommenter), handler.handleDeleteComment)
	protected.POST("/comments/:id/resolve", requireRole(auth.RoleCommenter), handler.handleResolveComment)
	protected.POST("/comments/:id/reopen", requireRole(auth.RoleCommenter), handler.handleReopenComment)

	return router, nil
}

type httpHandler struct {
	tokens    TokenService
	documents *document.Store
	gateway   *realtime.Gateway
	history   *history.Service
	merges    *merge.Engine
	comments  *comments.Service
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

type tokenRequestPayload struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	role := auth.RoleReader
	if request.Role != "" {
		parsed, err := auth.ParseRole(request.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
			return
		}
		role = parsed
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionClaims{
		Subject:     strings.TrimSpace(request.Subject),
		DisplayName: strings.TrimSpace(request.DisplayName),
		Role:        role,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// authorizeRequest accepts the session token from the Authorization header or,
// for websocket dials where headers are awkward, the token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(subjectContextKey, claims.Subject)
	c.Set(nameContextKey, claims.DisplayName)
	c.Set(roleContextKey, string(claims.Role))
	c.Next()
}

func requireRole(minimum auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := auth.ParseRole(c.GetString(roleContextKey))
		if err != nil || !role.AtLeast(minimum) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":         "forbidden",
				"required_role": minimum.String(),
			})
			return
		}
		c.Next()
	}
}

func sessionClaims(c *gin.Context) auth.SessionClaims {
	role, err := auth.ParseRole(c.GetString(roleContextKey))
	if err != nil {
		role = auth.RoleReader
	}
	return auth.SessionClaims{
		Subject:     c.GetString(subjectContextKey),
		DisplayName: c.GetString(nameContextKey),
		Role:        role,
	}
}

func (h *httpHandler) handleCollab(c *gin.Context) {
	docID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	claims := sessionClaims(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.gateway.HandleSession(c.Request.Context(), conn, docID, claims)
}

type branchPayload struct {
	BranchID         string  `json:"branch_id"`
	DocumentID       string  `json:"document_id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	ParentBranchID   *string `json:"parent_branch_id,omitempty"`
	IsDefault        bool    `json:"is_default"`
	Protected        bool    `json:"protected"`
	CreatedBy        string  `json:"created_by"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	UpdatedAtSeconds int64   `json:"updated_at_s"`
}

func toBranchPayload(branch history.Branch) branchPayload {
	return branchPayload{
		BranchID:         branch.BranchID,
		DocumentID:       branch.DocumentID,
		Name:             branch.Name,
		Description:      branch.Description,
		ParentBranchID:   branch.ParentBranchID,
		IsDefault:        branch.IsDefault,
		Protected:        branch.Protected,
		CreatedBy:        branch.CreatedBy,
		CreatedAtSeconds: branch.CreatedAtSeconds,
		UpdatedAtSeconds: branch.UpdatedAtSeconds,
	}
}

type versionPayload struct {
	VersionID        string  `json:"version_id"`
	DocumentID       string  `json:"document_id"`
	BranchID         string  `json:"branch_id"`
	Number           int64   `json:"number"`
	ParentVersionID  *string `json:"parent_version_id,omitempty"`
	Content          string  `json:"content"`
	Message          string  `json:"message,omitempty"`
	WordCount        int64   `json:"word_count"`
	CharacterCount   int64   `json:"character_count"`
	CreatedBy        string  `json:"created_by"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

func toVersionPayload(version history.Version) versionPayload {
	return versionPayload{
		VersionID:        version.VersionID,
		DocumentID:       version.DocumentID,
		BranchID:         version.BranchID,
		Number:           version.Number,
		ParentVersionID:  version.ParentVersionID,
		Content:          version.Content,
		Message:          version.Message,
		WordCount:        version.WordCount,
		CharacterCount:   version.CharacterCount,
		CreatedBy:        version.CreatedBy,
		CreatedAtSeconds: version.CreatedAtSeconds,
	}
}

type createBranchPayload struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	ParentBranchID *string `json:"parent_branch_id"`
	BaseVersionID  *string `json:"base_version_id"`
}

func (h *httpHandler) handleCreateBranch(c *gin.Context) {
	docID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request createBranchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	name, err := history.NewBranchName(request.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_name"})
		return
	}

	claims := sessionClaims(c)
	branch, err := h.history.CreateBranch(c.Request.Context(), history.CreateBranchRequest{
		DocumentID:     docID,
		Name:           name,
		Description:    request.Description,
		ParentBranchID: request.ParentBranchID,
		BaseVersionID:  request.BaseVersionID,
		Actor:          claims.Subject,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBranchPayload(branch))
}

func (h *httpHandler) handleListBranches(c *gin.Context) {
	docID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	branches, err := h.history.ListBranches(c.Request.Context(), docID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]branchPayload, 0, len(branches))
	for _, branch := range branches {
		payload = append(payload, toBranchPayload(branch))
	}
	c.JSON(http.StatusOK, gin.H{"branches": payload})
}

type updateBranchPayload struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Protected   *bool   `json:"protected"`
}

func (h *httpHandler) handleUpdateBranch(c *gin.Context) {
	var request updateBranchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update := history.UpdateBranchRequest{
		BranchID:    c.Param("id"),
		Description: request.Description,
		Protected:   request.Protected,
		ActorRole:   sessionClaims(c).Role,
	}
	if request.Name != nil {
		name, err := history.NewBranchName(*request.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_name"})
			return
		}
		update.Name = &name
	}

	branch, err := h.history.UpdateBranch(c.Request.Context(), update)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBranchPayload(branch))
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	if err := h.history.DeleteBranch(c.Request.Context(), c.Param("id"), sessionClaims(c).Role); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSwitchBranch resolves the branch head and resets the live replicated
// document to it: the head becomes the truth for every new session.
func (h *httpHandler) handleSwitchBranch(c *gin.Context) {
	branchID := c.Param("id")
	branch, err := h.history.GetBranch(c.Request.Context(), branchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	docID, err := document.NewDocumentID(branch.DocumentID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	head, err := h.history.SwitchBranch(c.Request.Context(), docID, branchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.applyContent(c.Request.Context(), docID, head.Content); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(head))
}

type commitVersionPayload struct {
	Content string `json:"content"`
	Message string `json:"message"`
}

func (h *httpHandler) handleCommitVersion(c *gin.Context) {
	var request commitVersionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims := sessionClaims(c)
	version, err := h.history.CommitVersion(c.Request.Context(), history.CommitRequest{
		BranchID:  c.Param("id"),
		Content:   request.Content,
		Message:   request.Message,
		Actor:     claims.Subject,
		ActorRole: claims.Role,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(version))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	versions, err := h.history.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, toVersionPayload(version))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	claims := sessionClaims(c)
	restored, err := h.history.Rollback(c.Request.Context(), history.RollbackRequest{
		VersionID: c.Param("id"),
		Actor:     claims.Subject,
		ActorRole: claims.Role,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	docID, err := document.NewDocumentID(restored.DocumentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.applyContent(c.Request.Context(), docID, restored.Content); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(restored))
}

type mergeRequestPayload struct {
	SourceBranchID string `json:"source_branch_id"`
	TargetBranchID string `json:"target_branch_id"`
	Strategy       string `json:"strategy"`
}

type mergeEventPayload struct {
	MergeID          string                `json:"merge_id"`
	DocumentID       string                `json:"document_id"`
	SourceBranchID   string                `json:"source_branch_id"`
	TargetBranchID   string                `json:"target_branch_id"`
	Strategy         string                `json:"strategy"`
	Status           string                `json:"status"`
	ResultVersionID  *string               `json:"result_version_id,omitempty"`
	InitiatedBy      string                `json:"initiated_by"`
	CreatedAtSeconds int64                 `json:"created_at_s"`
	Conflicts        []mergeConflictPayload `json:"conflicts,omitempty"`
}

type mergeConflictPayload struct {
	ConflictID      string  `json:"conflict_id"`
	Section         int     `json:"section"`
	LineNumber      int     `json:"line_number"`
	CurrentContent  string  `json:"current_content"`
	IncomingContent string  `json:"incoming_content"`
	Resolution      *string `json:"resolution,omitempty"`
}

func toMergePayload(outcome merge.MergeOutcome) mergeEventPayload {
	payload := mergeEventPayload{
		MergeID:          outcome.Event.MergeID,
		DocumentID:       outcome.Event.DocumentID,
		SourceBranchID:   outcome.Event.SourceBranchID,
		TargetBranchID:   outcome.Event.TargetBranchID,
		Strategy:         outcome.Event.Strategy,
		Status:           outcome.Event.Status,
		ResultVersionID:  outcome.Event.ResultVersionID,
		InitiatedBy:      outcome.Event.InitiatedBy,
		CreatedAtSeconds: outcome.Event.CreatedAtSeconds,
	}
	for _, conflict := range outcome.Conflicts {
		payload.Conflicts = append(payload.Conflicts, mergeConflictPayload{
			ConflictID:      conflict.ConflictID,
			Section:         conflict.Section,
			LineNumber:      conflict.LineNumber,
			CurrentContent:  conflict.CurrentContent,
			IncomingContent: conflict.IncomingContent,
			Resolution:      conflict.Resolution,
		})
	}
	return payload
}

type diffChangePayload struct {
	Line     int    `json:"line"`
	Type     string `json:"type"`
	Current  string `json:"current,omitempty"`
	Incoming string `json:"incoming,omitempty"`
}

type diffSectionPayload struct {
	StartLine     int                 `json:"start_line"`
	EndLine       int                 `json:"end_line"`
	Additions     int                 `json:"additions"`
	Deletions     int                 `json:"deletions"`
	Modifications int                 `json:"modifications"`
	Changes       []diffChangePayload `json:"changes"`
}

type mergeSummaryPayload struct {
	HasConflicts  bool                 `json:"has_conflicts"`
	Additions     int                  `json:"additions"`
	Deletions     int                  `json:"deletions"`
	Modifications int                  `json:"modifications"`
	Sections      []diffSectionPayload `json:"sections,omitempty"`
	Conflicts     []diffSectionPayload `json:"conflicts,omitempty"`
}

func toSectionPayloads(sections []merge.Section) []diffSectionPayload {
	var payloads []diffSectionPayload
	for _, section := range sections {
		payload := diffSectionPayload{
			StartLine:     section.StartLine,
			EndLine:       section.EndLine,
			Additions:     section.Additions,
			Deletions:     section.Deletions,
			Modifications: section.Modifications,
		}
		for _, change := range section.Changes {
			payload.Changes = append(payload.Changes, diffChangePayload{
				Line:     change.Line,
				Type:     string(change.Type),
				Current:  change.Current,
				Incoming: change.Incoming,
			})
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func toSummaryPayload(summary merge.Summary) mergeSummaryPayload {
	return mergeSummaryPayload{
		HasConflicts:  summary.HasConflicts,
		Additions:     summary.Additions,
		Deletions:     summary.Deletions,
		Modifications: summary.Modifications,
		Sections:      toSectionPayloads(summary.Sections),
		Conflicts:     toSectionPayloads(summary.Conflicts),
	}
}

func (h *httpHandler) handlePreviewMerge(c *gin.Context) {
	var request mergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	summary, err := h.merges.Preview(c.Request.Context(), request.SourceBranchID, request.TargetBranchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSummaryPayload(summary))
}

func (h *httpHandler) handleMerge(c *gin.Context) {
	var request mergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	strategy, err := merge.ParseStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
		return
	}

	claims := sessionClaims(c)
	outcome, err := h.merges.Merge(c.Request.Context(), merge.MergeRequest{
		SourceBranchID: request.SourceBranchID,
		TargetBranchID: request.TargetBranchID,
		Strategy:       strategy,
		Initiator:      claims.Subject,
		InitiatorRole:  claims.Role,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if outcome.Event.Status == string(merge.StatusConflicted) {
		status = http.StatusConflict
	}
	c.JSON(status, toMergePayload(outcome))
}

type resolveMergePayload struct {
	Resolutions []resolutionPayload `json:"resolutions"`
}

type resolutionPayload struct {
	ConflictID string `json:"conflict_id"`
	Resolution string `json:"resolution"`
	ManualText string `json:"manual_text"`
}

func (h *httpHandler) handleResolveMerge(c *gin.Context) {
	var request resolveMergePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Resolutions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resolutions := make([]merge.ConflictResolution, 0, len(request.Resolutions))
	for _, resolution := range request.Resolutions {
		parsed, err := merge.ParseResolution(resolution.Resolution)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
			return
		}
		resolutions = append(resolutions, merge.ConflictResolution{
			ConflictID: resolution.ConflictID,
			Resolution: parsed,
			ManualText: resolution.ManualText,
		})
	}

	claims := sessionClaims(c)
	outcome, err := h.merges.Resolve(c.Request.Context(), merge.ResolveRequest{
		MergeID:     c.Param("id"),
		Resolutions: resolutions,
		Actor:       claims.Subject,
		ActorRole:   claims.Role,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMergePayload(outcome))
}

func (h *httpHandler) handleAbandonMerge(c *gin.Context) {
	event, err := h.merges.Abandon(c.Request.Context(), c.Param("id"), sessionClaims(c).Subject)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMergePayload(merge.MergeOutcome{Event: event}))
}

type addCommentPayload struct {
	Content    string  `json:"content"`
	ParentID   *string `json:"parent_id"`
	RangeStart *int64  `json:"range_start"`
	RangeEnd   *int64  `json:"range_end"`
}

type commentPayload struct {
	CommentID        string  `json:"comment_id"`
	DocumentID       string  `json:"document_id"`
	AuthorID         string  `json:"author_id"`
	AuthorName       string  `json:"author_name,omitempty"`
	ParentID         *string `json:"parent_id,omitempty"`
	Content          string  `json:"content"`
	RangeStart       *int64  `json:"range_start,omitempty"`
	RangeEnd         *int64  `json:"range_end,omitempty"`
	Resolved         bool    `json:"resolved"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	UpdatedAtSeconds int64   `json:"updated_at_s"`
}

func toCommentPayload(comment comments.Comment) commentPayload {
	return commentPayload{
		CommentID:        comment.CommentID,
		DocumentID:       comment.DocumentID,
		AuthorID:         comment.AuthorID,
		AuthorName:       comment.AuthorName,
		ParentID:         comment.ParentID,
		Content:          comment.Content,
		RangeStart:       comment.RangeStart,
		RangeEnd:         comment.RangeEnd,
		Resolved:         comment.Resolved,
		CreatedAtSeconds: comment.CreatedAtSeconds,
		UpdatedAtSeconds: comment.UpdatedAtSeconds,
	}
}

type threadPayload struct {
	Root    commentPayload   `json:"root"`
	Replies []commentPayload `json:"replies,omitempty"`
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	docID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request addCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims := sessionClaims(c)
	comment, err := h.comments.Add(c.Request.Context(), comments.AddRequest{
		DocumentID: docID,
		Author:     claims.Subject,
		AuthorName: claims.DisplayName,
		Content:    request.Content,
		ParentID:   request.ParentID,
		RangeStart: request.RangeStart,
		RangeEnd:   request.RangeEnd,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCommentPayload(comment))
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	docID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	filter, err := comments.ParseThreadFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return
	}

	threads, err := h.comments.ListThreads(c.Request.Context(), docID, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]threadPayload, 0, len(threads))
	for _, thread := range threads {
		entry := threadPayload{Root: toCommentPayload(thread.Root)}
		for _, reply := range thread.Replies {
			entry.Replies = append(entry.Replies, toCommentPayload(reply))
		}
		payload = append(payload, entry)
	}
	c.JSON(http.StatusOK, gin.H{"threads": payload})
}

type editCommentPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleEditComment(c *gin.Context) {
	var request editCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.comments.Edit(c.Request.Context(), c.Param("id"), sessionClaims(c).Subject, request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommentPayload(comment))
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	claims := sessionClaims(c)
	if err := h.comments.Delete(c.Request.Context(), c.Param("id"), claims.Subject, claims.Role); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResolveComment(c *gin.Context) {
	claims := sessionClaims(c)
	comment, err := h.comments.Resolve(c.Request.Context(), c.Param("id"), claims.Subject, claims.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommentPayload(comment))
}

func (h *httpHandler) handleReopenComment(c *gin.Context) {
	claims := sessionClaims(c)
	comment, err := h.comments.Reopen(c.Request.Context(), c.Param("id"), claims.Subject, claims.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommentPayload(comment))
}

// applyContent resets the live replicated document and relays the resulting
// sync payloads to attached sessions.
func (h *httpHandler) applyContent(ctx context.Context, docID document.DocumentID, content string) error {
	outbound, err := h.documents.SetContent(ctx, docID, content)
	if err != nil {
		return err
	}
	h.gateway.Relay(docID, outbound)
	return nil
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, history.ErrBranchNotFound),
		errors.Is(err, history.ErrVersionNotFound),
		errors.Is(err, merge.ErrMergeNotFound),
		errors.Is(err, merge.ErrConflictNotFound),
		errors.Is(err, comments.ErrCommentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, history.ErrNameConflict),
		errors.Is(err, merge.ErrMergeClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, history.ErrBranchProtected):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "required_role": auth.RoleOwner.String()})
	case errors.Is(err, history.ErrDefaultBranchUndeletable),
		errors.Is(err, comments.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, history.ErrInvalidParent),
		errors.Is(err, history.ErrInvalidBranchName),
		errors.Is(err, merge.ErrInvalidMergeRequest),
		errors.Is(err, merge.ErrInvalidResolution),
		errors.Is(err, comments.ErrInvalidThread),
		errors.Is(err, comments.ErrInvalidComment),
		errors.Is(err, comments.ErrInvalidFilter),
		errors.Is(err, document.ErrInvalidDocumentID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
