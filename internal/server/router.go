package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/converso-app/converso/backend/internal/auth"
	"github.com/converso-app/converso/backend/internal/forum"
	"github.com/converso-app/converso/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const identityContextKey = "converso_identity"

var (
	errMissingVerifier   = errors.New("identity verifier dependency required")
	errMissingDirectory  = errors.New("topic directory dependency required")
	errMissingPollEngine = errors.New("poll engine dependency required")
	errMissingDatabase   = errors.New("database dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
	errMissingPresence   = errors.New("presence channel dependency required")
	errInvalidAuthToken  = errors.New("authorization token missing or invalid")
)

// IdentityVerifier resolves a provider-issued token to an engine identity.
type IdentityVerifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

// Dependencies wires the engine services into the HTTP boundary.
type Dependencies struct {
	Verifier   IdentityVerifier
	Directory  *forum.Directory
	PollEngine *forum.PollEngine
	Database   *gorm.DB
	Dispatcher *realtime.Dispatcher
	Presence   *realtime.PresenceChannel
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the forum engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.PollEngine == nil {
		return nil, errMissingPollEngine
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:  deps.Verifier,
		directory: deps.Directory,
		polls:     deps.PollEngine,
		db:        deps.Database,
		transport: forum.DispatcherTransport(deps.Dispatcher),
		presence:  deps.Presence,
		logger:    logger,
		rooms:     make(map[string]*forum.Session),
		baseCtx:   context.Background(),
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/topics", handler.handleListTopics)
	protected.GET("/topics/stream", handler.handleTopicStream)
	protected.POST("/topics", handler.handleCreateTopic)
	protected.DELETE("/topics/:topicID", handler.handleDeleteTopic)
	protected.GET("/topics/:topicID/stream", handler.handleRoomStream(forum.ScopeKindTopic, "topicID"))
	protected.POST("/topics/:topicID/posts", handler.handleSend(forum.ScopeKindTopic, "topicID"))
	protected.POST("/topics/:topicID/posts/:postID/reactions", handler.handleReact(forum.ScopeKindTopic, "topicID"))
	protected.GET("/topics/:topicID/poll", handler.handleGetPoll)
	protected.POST("/polls/:pollID/votes", handler.handleCastVote)
	protected.GET("/materials/:materialID/stream", handler.handleRoomStream(forum.ScopeKindMaterial, "materialID"))
	protected.POST("/materials/:materialID/posts", handler.handleSend(forum.ScopeKindMaterial, "materialID"))
	protected.POST("/materials/:materialID/posts/:postID/reactions", handler.handleReact(forum.ScopeKindMaterial, "materialID"))
	protected.GET("/presence/stream", handler.handlePresenceStream)

	return router, nil
}

type httpHandler struct {
	verifier  IdentityVerifier
	directory *forum.Directory
	polls     *forum.PollEngine
	db        *gorm.DB
	transport forum.Transport
	presence  *realtime.PresenceChannel
	logger    *zap.Logger

	roomsMu sync.Mutex
	rooms   map[string]*forum.Session
	baseCtx context.Context
}

// roomFor returns the server-side room session for a scope, opening it on
// first use. Rooms are bound to the server lifetime, not to one request.
// Topic scopes require the topic row to exist; material threads are created
// implicitly on first use.
func (h *httpHandler) roomFor(ctx context.Context, scope forum.Scope) (*forum.Session, error) {
	if scope.Kind == forum.ScopeKindTopic {
		if _, err := h.directory.GetTopic(ctx, scope.ID); err != nil {
			return nil, err
		}
	}
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	if room, ok := h.rooms[scope.Key()]; ok {
		return room, nil
	}
	room, err := forum.NewSession(forum.SessionConfig{
		Database:  h.db,
		Transport: h.transport,
		Logger:    h.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := room.Open(h.baseCtx, scope); err != nil {
		room.Close()
		return nil, err
	}
	h.rooms[scope.Key()] = room
	return room, nil
}

// closeRoom tears down a room after its backing rows were deleted.
func (h *httpHandler) closeRoom(scope forum.Scope) {
	h.roomsMu.Lock()
	room, ok := h.rooms[scope.Key()]
	if ok {
		delete(h.rooms, scope.Key())
	}
	h.roomsMu.Unlock()
	if ok {
		room.Close()
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthToken.Error()})
		return
	}
	identity, err := h.verifier.VerifyToken(token)
	if err != nil {
		h.logger.Warn("token verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// bearerToken extracts the token from the Authorization header, falling back
// to the access_token query parameter for EventSource clients that cannot
// set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func currentIdentity(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.IsZero() {
		return auth.Identity{}, false
	}
	return identity, true
}

type postPayload struct {
	PostID           string                 `json:"post_id"`
	ScopeKind        forum.ScopeKind        `json:"scope_kind"`
	ScopeID          string                 `json:"scope_id"`
	Content          string                 `json:"content"`
	Segments         []forum.MentionSegment `json:"segments"`
	AuthorID         string                 `json:"author_id"`
	AuthorName       string                 `json:"author_name"`
	IsPrivileged     bool                   `json:"is_privileged"`
	Reactions        forum.ReactionMap      `json:"reactions"`
	CreatedAtSeconds int64                  `json:"created_at_s"`
}

func toPostPayload(post forum.Post) postPayload {
	return postPayload{
		PostID:           post.PostID,
		ScopeKind:        post.ScopeKind,
		ScopeID:          post.ScopeID,
		Content:          post.Content,
		Segments:         forum.ParseMentions(post.Content),
		AuthorID:         post.AuthorID,
		AuthorName:       post.AuthorName,
		IsPrivileged:     post.IsPrivileged,
		Reactions:        post.Reactions(),
		CreatedAtSeconds: post.CreatedAtSeconds,
	}
}

func toPostPayloads(posts []forum.Post) []postPayload {
	payloads := make([]postPayload, 0, len(posts))
	for _, post := range posts {
		payloads = append(payloads, toPostPayload(post))
	}
	return payloads
}

func (h *httpHandler) handleListTopics(c *gin.Context) {
	topics, err := h.directory.ListTopics(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list topics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

type createTopicPayload struct {
	Title       string            `json:"title"`
	Category    string            `json:"category"`
	OpeningPost string            `json:"opening_post"`
	Poll        *pollDraftPayload `json:"poll"`
}

type pollDraftPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func (h *httpHandler) handleCreateTopic(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createTopicPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	createRequest := forum.CreateTopicRequest{
		Title:       request.Title,
		Category:    request.Category,
		Author:      identity,
		OpeningPost: request.OpeningPost,
	}
	if request.Poll != nil {
		createRequest.Poll = &forum.PollDraft{
			Question: request.Poll.Question,
			Options:  request.Poll.Options,
		}
	}

	view, err := h.directory.CreateTopic(c.Request.Context(), createRequest)
	if err != nil {
		h.respondError(c, "create_topic_failed", err)
		return
	}

	response := gin.H{"topic": view.Topic}
	if view.Poll != nil {
		response["poll"] = view.Poll
	}
	if len(view.Warnings) > 0 {
		response["warnings"] = view.Warnings
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleDeleteTopic(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	topicID := c.Param("topicID")
	if err := h.directory.DeleteTopic(c.Request.Context(), topicID, identity); err != nil {
		h.respondError(c, "delete_topic_failed", err)
		return
	}
	h.closeRoom(forum.TopicScope(topicID))
	c.Status(http.StatusNoContent)
}

type sendPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleSend(kind forum.ScopeKind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := currentIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var request sendPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		room, err := h.roomFor(c.Request.Context(), forum.Scope{Kind: kind, ID: c.Param(param)})
		if err != nil {
			h.respondError(c, "room_unavailable", err)
			return
		}
		postID, err := room.Send(c.Request.Context(), request.Content, identity)
		if err != nil {
			h.respondError(c, "send_failed", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"post_id": postID})
	}
}

type reactPayload struct {
	Emoji string `json:"emoji"`
}

func (h *httpHandler) handleReact(kind forum.ScopeKind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := currentIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var request reactPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		room, err := h.roomFor(c.Request.Context(), forum.Scope{Kind: kind, ID: c.Param(param)})
		if err != nil {
			h.respondError(c, "room_unavailable", err)
			return
		}
		if err := room.React(c.Request.Context(), c.Param("postID"), request.Emoji, identity); err != nil {
			h.respondError(c, "react_failed", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleGetPoll(c *gin.Context) {
	view, err := h.polls.LoadPoll(c.Request.Context(), c.Param("topicID"))
	if err != nil {
		h.respondError(c, "poll_load_failed", err)
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "poll_not_found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

type castVotePayload struct {
	OptionID string `json:"option_id"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request castVotePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OptionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	pollID := c.Param("pollID")
	if err := h.polls.CastVote(c.Request.Context(), pollID, request.OptionID, identity.UserID); err != nil {
		h.respondError(c, "vote_failed", err)
		return
	}

	view, err := h.polls.LoadPollByID(c.Request.Context(), pollID)
	if err != nil {
		h.respondError(c, "poll_load_failed", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// respondError maps the engine error taxonomy onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, fallback string, err error) {
	switch {
	case errors.Is(err, forum.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed"})
	case errors.Is(err, forum.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	case errors.Is(err, forum.ErrAlreadyVoted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_voted"})
	case errors.Is(err, forum.ErrTopicNotFound),
		errors.Is(err, forum.ErrPostNotFound),
		errors.Is(err, forum.ErrPollNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("request failed", zap.String("reason", fallback), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
