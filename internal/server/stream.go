package server

import (
	"net/http"

	"github.com/converso-app/converso/backend/internal/forum"
	"github.com/converso-app/converso/backend/internal/presence"
	"github.com/converso-app/converso/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sseEventHistory = "history"
	sseEventPost    = "post"
	sseEventTopic   = "topic"
	sseEventRoster  = "roster"
)

func prepareSSE(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// handleTopicStream pushes directory-level topic-created events.
func (h *httpHandler) handleTopicStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cancel, err := h.transport.Subscribe(ctx, realtime.DirectoryScope, realtime.EventTopicCreated)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_unavailable"})
		return
	}
	defer cancel()

	prepareSSE(c)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			topic, isTopic := event.Payload.(forum.Topic)
			if !isTopic {
				continue
			}
			c.SSEvent(sseEventTopic, topic)
			c.Writer.Flush()
		}
	}
}

// handleRoomStream serves the post log of one room: a history event carrying
// the snapshot at subscribe time, then one event per live post change. Events
// may duplicate history entries; consumers reconcile by post id.
func (h *httpHandler) handleRoomStream(kind forum.ScopeKind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := forum.Scope{Kind: kind, ID: c.Param(param)}
		room, err := h.roomFor(c.Request.Context(), scope)
		if err != nil {
			h.respondError(c, "room_unavailable", err)
			return
		}

		ctx := c.Request.Context()
		stream, cancel, err := h.transport.Subscribe(ctx, scope.Key(), realtime.EventPostInserted, realtime.EventPostUpdated)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_unavailable"})
			return
		}
		defer cancel()

		prepareSSE(c)
		c.SSEvent(sseEventHistory, toPostPayloads(room.Snapshot()))
		c.Writer.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-stream:
				if !ok {
					return
				}
				logEvent, isPost := forum.LogEventFrom(event)
				if !isPost {
					continue
				}
				c.SSEvent(sseEventPost, gin.H{
					"kind": logEvent.Kind,
					"post": toPostPayload(logEvent.Post),
				})
				c.Writer.Flush()
			}
		}
	}
}

// handlePresenceStream joins the caller to the presence channel for the
// lifetime of the connection and pushes full roster snapshots on every change.
func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	tracker, err := presence.NewTracker(h.presence)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_unavailable"})
		return
	}

	// Buffered by one and coalescing: only the latest roster matters.
	rosters := make(chan []realtime.PresenceEntry, 1)
	cancel := tracker.OnRosterChange(func(roster []realtime.PresenceEntry) {
		select {
		case rosters <- roster:
		default:
			select {
			case <-rosters:
			default:
			}
			select {
			case rosters <- roster:
			default:
			}
		}
	})
	defer cancel()

	if err := tracker.Join(identity.UserID, identity.DisplayName); err != nil {
		h.logger.Warn("presence join failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_unavailable"})
		return
	}
	defer tracker.Leave()

	ctx := c.Request.Context()
	prepareSSE(c)
	for {
		select {
		case <-ctx.Done():
			return
		case roster := <-rosters:
			c.SSEvent(sseEventRoster, roster)
			c.Writer.Flush()
		}
	}
}
