package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/users"
)

const sessionClaimsContextKey = "coedit_session_claims"

var (
	errMissingSessionValidator = errors.New("server: session validator is required")
	errMissingSessionStore     = errors.New("server: session store is required")
	errMissingProfileResolver  = errors.New("server: profile resolver is required")
)

// SessionTokenValidator authenticates a request's bearer token and returns
// the claims it carries.
type SessionTokenValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver resolves session claims into a stored user profile.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

// SnapshotWriter persists the final state of an evicted session.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, noteID string, organizationID string, title string, content string, version int64) error
}

// Dependencies enumerates the collaborators the HTTP handler requires.
type Dependencies struct {
	SessionValidator SessionTokenValidator
	Sessions         *collab.Store
	Profiles         ProfileResolver
	Snapshots        SnapshotWriter
	Broadcaster      *NoteBroadcaster
	Publisher        EventPublisher
	Logger           *zap.Logger
}

type httpHandler struct {
	sessionValidator SessionTokenValidator
	sessions         *collab.Store
	profiles         ProfileResolver
	snapshots        SnapshotWriter
	broadcaster      *NoteBroadcaster
	publisher        EventPublisher
	logger           *zap.Logger
}

// NewHTTPHandler wires the collaboration routes onto a gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionStore
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewNoteBroadcaster()
	}
	if deps.Publisher == nil {
		deps.Publisher = NewNoopPublisher()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	handler := &httpHandler{
		sessionValidator: deps.SessionValidator,
		sessions:         deps.Sessions,
		profiles:         deps.Profiles,
		snapshots:        deps.Snapshots,
		broadcaster:      deps.Broadcaster,
		publisher:        deps.Publisher,
		logger:           deps.Logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/collab")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes/:note_id/join", handler.handleJoin)
	protected.POST("/notes/:note_id/leave", handler.handleLeave)
	protected.POST("/notes/:note_id/edits", handler.handleEdit)
	protected.POST("/notes/:note_id/cursor", handler.handleCursor)
	protected.POST("/notes/:note_id/typing", handler.handleTyping)
	protected.POST("/disconnect", handler.handleDisconnect)
	protected.GET("/notes/:note_id", handler.handleSnapshot)
	protected.GET("/notes/:note_id/collaborators", handler.handleCollaborators)
	protected.GET("/notes/:note_id/events", handler.handleEvents)

	return router, nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessionValidator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session_token"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func sessionClaimsFrom(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(sessionClaimsContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func (h *httpHandler) resolveIdentity(c *gin.Context) (collab.UserProfile, bool) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_session_claims"})
		return collab.UserProfile{}, false
	}
	profile, err := h.profiles.ResolveProfile(claims)
	if err != nil {
		h.logger.Error("identity resolution failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return collab.UserProfile{}, false
	}
	return collab.UserProfile{
		UserID:    profile.UserID,
		Email:     profile.Email,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		AvatarURL: profile.AvatarURL,
	}, true
}

func noteIDParam(c *gin.Context) (collab.NoteID, bool) {
	noteID, err := collab.NewNoteID(c.Param("note_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	return noteID, true
}

func (h *httpHandler) userIDFor(c *gin.Context, profile collab.UserProfile) (collab.UserID, bool) {
	userID, err := collab.NewUserID(profile.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return "", false
	}
	return userID, true
}

// fanout delivers a message to in-process subscribers and the external
// publisher. Publisher failures are logged, never surfaced to the client.
func (h *httpHandler) fanout(ctx context.Context, message NoteMessage) {
	h.broadcaster.Publish(message)
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("note message serialization failed",
			zap.String("note_id", message.NoteID),
			zap.Error(err))
		return
	}
	if err := h.publisher.PublishNoteEvent(ctx, message.NoteID, payload); err != nil {
		h.logger.Warn("external publish failed",
			zap.String("note_id", message.NoteID),
			zap.Error(err))
	}
}

func (h *httpHandler) fanoutCollaboration(ctx context.Context, event *collab.CollaborationEvent) {
	if event == nil {
		return
	}
	h.fanout(ctx, NoteMessage{
		NoteID:        event.NoteID,
		Kind:          NoteMessageKindCollaboration,
		Collaboration: event,
		Timestamp:     time.Now().UTC(),
	})
}

// persistFinal writes an evicted session's last state back to durable
// storage. The write is best effort; losing it only loses unsynced edits.
func (h *httpHandler) persistFinal(ctx context.Context, final *collab.SessionSnapshot) {
	if final == nil || h.snapshots == nil {
		return
	}
	err := h.snapshots.SaveSnapshot(ctx, final.NoteID, final.OrganizationID, final.Title, final.Content, final.Version)
	if err != nil {
		h.logger.Error("final snapshot persistence failed",
			zap.String("note_id", final.NoteID),
			zap.Int64("version", final.Version),
			zap.Error(err))
	}
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	profile, ok := h.resolveIdentity(c)
	if !ok {
		return
	}
	snapshot, event, err := h.sessions.JoinNote(c.Request.Context(), noteID, profile)
	if err != nil {
		if errors.Is(err, collab.ErrNoteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
			return
		}
		h.logger.Error("join failed",
			zap.String("note_id", noteID.String()),
			zap.String("user_id", profile.UserID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
		return
	}
	h.fanoutCollaboration(c.Request.Context(), event)
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	profile, ok := h.resolveIdentity(c)
	if !ok {
		return
	}
	userID, ok := h.userIDFor(c, profile)
	if !ok {
		return
	}
	result, err := h.sessions.LeaveNote(noteID, userID)
	if err != nil {
		h.logger.Error("leave failed",
			zap.String("note_id", noteID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leave_failed"})
		return
	}
	if result.Evicted {
		h.persistFinal(c.Request.Context(), result.Final)
	}
	h.fanoutCollaboration(c.Request.Context(), result.Event)
	c.JSON(http.StatusOK, gin.H{
		"left":            result.Event != nil,
		"session_evicted": result.Evicted,
	})
}

type editRequestPayload struct {
	EditType    string `json:"edit_type"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	BaseVersion int64  `json:"base_version"`
}

func (h *httpHandler) handleEdit(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	profile, ok := h.resolveIdentity(c)
	if !ok {
		return
	}
	userID, ok := h.userIDFor(c, profile)
	if !ok {
		return
	}
	var payload editRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_payload"})
		return
	}
	editType, err := collab.ParseEditType(payload.EditType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_edit_type"})
		return
	}
	result, joinEvent, err := h.sessions.ProcessEdit(c.Request.Context(), profile, collab.EditOperation{
		NoteID:      noteID,
		UserID:      userID,
		EditType:    editType,
		Title:       payload.Title,
		Content:     payload.Content,
		BaseVersion: payload.BaseVersion,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, collab.ErrNoteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
			return
		}
		h.logger.Error("edit processing failed",
			zap.String("note_id", noteID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "edit_failed"})
		return
	}
	h.fanoutCollaboration(c.Request.Context(), joinEvent)
	h.fanout(c.Request.Context(), NoteMessage{
		NoteID:    result.NoteID,
		Kind:      NoteMessageKindEdit,
		Edit:      &result,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, result)
}

type cursorRequestPayload struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selection_start"`
	SelectionEnd   int `json:"selection_end"`
}

func (h *httpHandler) handleCursor(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	profile, ok := h.resolveIdentity(c)
	if !ok {
		return
	}
	userID, ok := h.userIDFor(c, profile)
	if !ok {
		return
	}
	var payload cursorRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_payload"})
		return
	}
	cursor := h.sessions.UpdateCursor(noteID, userID, payload.Position, payload.SelectionStart, payload.SelectionEnd)
	if cursor == nil {
		c.Status(http.StatusNoContent)
		return
	}
	h.fanout(c.Request.Context(), NoteMessage{
		NoteID:    noteID.String(),
		Kind:      NoteMessageKindCursor,
		Cursor:    cursor,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, cursor)
}

type typingRequestPayload struct {
	Typing bool `json:"typing"`
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	profile, ok := h.resolveIdentity(c)
	if !ok {
		return
	}
	userID, ok := h.userIDFor(c, profile)
	if !ok {
		return
	}
	var payload typingRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_payload"})
		return
	}
	event, err := h.sessions.CreateTypingEvent(noteID, userID, payload.Typing)
	if err != nil {
		h.logger.Error("typing event failed",
			zap.String("note_id", noteID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "typing_event_failed"})
		return
	}
	if event == nil {
		c.Status(http.StatusNoContent)
		return
	}
	h.fanoutCollaboration(c.Request.Context(), event)
	c.JSON(http.StatusOK, event)
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	profile, ok := h.resolveIdentity(c)
	if !ok {
		return
	}
	userID, ok := h.userIDFor(c, profile)
	if !ok {
		return
	}
	results, err := h.sessions.HandleDisconnect(userID)
	if err != nil {
		h.logger.Error("disconnect cleanup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disconnect_failed"})
		return
	}
	evicted := 0
	for _, result := range results {
		if result.Evicted {
			evicted++
			h.persistFinal(c.Request.Context(), result.Final)
		}
		h.fanoutCollaboration(c.Request.Context(), result.Event)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions_left":    len(results),
		"sessions_evicted": evicted,
	})
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	snapshot := h.sessions.GetSession(noteID)
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleCollaborators(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	collaborators := h.sessions.GetCollaborators(noteID)
	if collaborators == nil {
		collaborators = []collab.Collaborator{}
	}
	c.JSON(http.StatusOK, gin.H{
		"collaborators": collaborators,
		"count":         len(collaborators),
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	stream, cleanup := h.broadcaster.Subscribe(c.Request.Context(), noteID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.Kind, message)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
