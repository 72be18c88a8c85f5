package forum

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/converso-app/converso/backend/internal/auth"
	"github.com/converso-app/converso/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingTransport  = errors.New("transport is required")
	errMissingIdentity   = errors.New("user identity is required")
	errMissingPollEngine = errors.New("poll engine is required")
	noOpLogger           = zap.NewNop()
)

const (
	opDirectoryNew = "directory.new"
	opListTopics   = "directory.list_topics"
	opCreateTopic  = "directory.create_topic"
	opDeleteTopic  = "directory.delete_topic"
	opGetTopic     = "directory.get_topic"
)

// DirectoryConfig describes the dependencies of the topic directory.
type DirectoryConfig struct {
	Database   *gorm.DB
	Transport  Transport
	PollEngine *PollEngine
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Directory maintains the list of open discussion topics and creates or
// deletes them.
type Directory struct {
	db        *gorm.DB
	transport Transport
	polls     *PollEngine
	clock     func() time.Time
	ids       IDProvider
	logger    *zap.Logger
}

// NewDirectory constructs the topic directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDirectoryNew, "missing_database", errMissingDatabase)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opDirectoryNew, "missing_transport", errMissingTransport)
	}
	if cfg.PollEngine == nil {
		return nil, newServiceError(opDirectoryNew, "missing_poll_engine", errMissingPollEngine)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Directory{
		db:        cfg.Database,
		transport: cfg.Transport,
		polls:     cfg.PollEngine,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}, nil
}

// ListTopics returns all topics ordered by creation time, newest first.
func (d *Directory) ListTopics(ctx context.Context) ([]Topic, error) {
	var topics []Topic
	if err := d.db.WithContext(ctx).
		Order("created_at_s DESC, topic_id DESC").
		Find(&topics).Error; err != nil {
		d.logError(opListTopics, "query_failed", err)
		return nil, newServiceError(opListTopics, "query_failed", err)
	}
	return topics, nil
}

// GetTopic loads one topic by id.
func (d *Directory) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	var topic Topic
	err := d.db.WithContext(ctx).First(&topic, "topic_id = ?", topicID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Topic{}, newServiceError(opGetTopic, "not_found", ErrTopicNotFound)
	}
	if err != nil {
		d.logError(opGetTopic, "query_failed", err, zap.String("topic_id", topicID))
		return Topic{}, newServiceError(opGetTopic, "query_failed", err)
	}
	return topic, nil
}

// OnTopicCreated registers a handler invoked for every topic created by any
// client, used to prepend into an in-memory list without a refetch. The
// returned cancel deregisters the handler; cancellation of ctx does too.
func (d *Directory) OnTopicCreated(ctx context.Context, handler func(Topic)) func() {
	stream, cancel, err := d.transport.Subscribe(ctx, realtime.DirectoryScope, realtime.EventTopicCreated)
	if err != nil {
		d.logError(opListTopics, "subscribe_failed", err)
		return func() {}
	}
	go func() {
		for event := range stream {
			topic, ok := event.Payload.(Topic)
			if !ok {
				continue
			}
			handler(topic)
		}
	}()
	return cancel
}

// PollDraft describes an optional poll created together with a topic.
type PollDraft struct {
	Question string
	Options  []string
}

// CreateTopicRequest is the input for topic creation.
type CreateTopicRequest struct {
	Title       string
	Category    string
	Author      auth.Identity
	Poll        *PollDraft
	OpeningPost string
}

// TopicView is the result of topic creation. Warnings carries non-fatal
// follow-up failures: the topic row itself already exists and stays visible.
type TopicView struct {
	Topic    Topic
	Poll     *Poll
	Opening  *Post
	Warnings []string
}

// CreateTopic validates and persists a new topic, then its optional poll and
// opening post. A poll or opening-post failure after the topic row exists is
// surfaced as a warning, never rolled back (accepted partial failure).
func (d *Directory) CreateTopic(ctx context.Context, request CreateTopicRequest) (TopicView, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return TopicView{}, newServiceError(opCreateTopic, "empty_title", ErrValidation)
	}
	if request.Author.IsZero() {
		return TopicView{}, newServiceError(opCreateTopic, "missing_author", errMissingIdentity)
	}
	if request.Poll != nil {
		if strings.TrimSpace(request.Poll.Question) == "" || len(request.Poll.Options) == 0 {
			return TopicView{}, newServiceError(opCreateTopic, "invalid_poll", ErrValidation)
		}
	}

	topicID, err := d.ids.NewID()
	if err != nil {
		d.logError(opCreateTopic, "id_generation_failed", err)
		return TopicView{}, newServiceError(opCreateTopic, "id_generation_failed", err)
	}

	topic := Topic{
		TopicID:          topicID,
		Title:            title,
		Category:         strings.TrimSpace(request.Category),
		AuthorID:         request.Author.UserID,
		AuthorName:       request.Author.DisplayName,
		CreatedAtSeconds: d.clock().UTC().Unix(),
	}
	if err := d.db.WithContext(ctx).Create(&topic).Error; err != nil {
		d.logError(opCreateTopic, "topic_insert_failed", err, zap.String("topic_id", topicID))
		return TopicView{}, newServiceError(opCreateTopic, "topic_insert_failed", err)
	}

	view := TopicView{Topic: topic}

	if request.Poll != nil {
		poll, err := d.polls.CreatePoll(ctx, topicID, request.Poll.Question, request.Poll.Options)
		if err != nil {
			d.logger.Warn("topic created but poll creation failed",
				zap.String("topic_id", topicID), zap.Error(err))
			view.Warnings = append(view.Warnings, "poll_creation_failed")
		} else {
			view.Poll = poll
		}
	}

	if strings.TrimSpace(request.OpeningPost) != "" {
		post, err := d.insertOpeningPost(ctx, topicID, request)
		if err != nil {
			d.logger.Warn("topic created but opening post failed",
				zap.String("topic_id", topicID), zap.Error(err))
			view.Warnings = append(view.Warnings, "opening_post_failed")
		} else {
			view.Opening = post
		}
	}

	d.transport.Publish(realtime.Event{
		Type:    realtime.EventTopicCreated,
		Scope:   realtime.DirectoryScope,
		Payload: topic,
	})

	return view, nil
}

func (d *Directory) insertOpeningPost(ctx context.Context, topicID string, request CreateTopicRequest) (*Post, error) {
	postID, err := d.ids.NewID()
	if err != nil {
		return nil, err
	}
	post := Post{
		PostID:           postID,
		ScopeKind:        ScopeKindTopic,
		ScopeID:          topicID,
		Content:          strings.TrimSpace(request.OpeningPost),
		AuthorID:         request.Author.UserID,
		AuthorName:       request.Author.DisplayName,
		IsPrivileged:     request.Author.Privileged,
		ReactionsJSON:    "{}",
		CreatedAtSeconds: d.clock().UTC().Unix(),
	}
	if err := d.db.WithContext(ctx).Create(&post).Error; err != nil {
		return nil, err
	}
	d.transport.Publish(realtime.Event{
		Type:    realtime.EventPostInserted,
		Scope:   post.Scope().Key(),
		Payload: post,
	})
	return &post, nil
}

// DeleteTopic removes the topic together with its posts, poll, options and
// votes. Only privileged actors may delete. No event is emitted; live room
// sessions observe the rows disappearing and close gracefully.
func (d *Directory) DeleteTopic(ctx context.Context, topicID string, actor auth.Identity) error {
	if !actor.Privileged {
		return newServiceError(opDeleteTopic, "not_privileged", ErrPermissionDenied)
	}

	txErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var topic Topic
		if err := tx.Where("topic_id = ?", topicID).Take(&topic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opDeleteTopic, "topic_not_found", ErrTopicNotFound)
			}
			return newServiceError(opDeleteTopic, "topic_select_failed", err)
		}

		var poll Poll
		err := tx.Where("topic_id = ?", topicID).Take(&poll).Error
		if err == nil {
			if err := tx.Where("poll_id = ?", poll.PollID).Delete(&PollVote{}).Error; err != nil {
				return newServiceError(opDeleteTopic, "votes_delete_failed", err)
			}
			if err := tx.Where("poll_id = ?", poll.PollID).Delete(&PollOption{}).Error; err != nil {
				return newServiceError(opDeleteTopic, "options_delete_failed", err)
			}
			if err := tx.Where("poll_id = ?", poll.PollID).Delete(&Poll{}).Error; err != nil {
				return newServiceError(opDeleteTopic, "poll_delete_failed", err)
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteTopic, "poll_select_failed", err)
		}

		if err := tx.Where("scope_kind = ? AND scope_id = ?", ScopeKindTopic, topicID).
			Delete(&Post{}).Error; err != nil {
			return newServiceError(opDeleteTopic, "posts_delete_failed", err)
		}
		if err := tx.Where("topic_id = ?", topicID).Delete(&Topic{}).Error; err != nil {
			return newServiceError(opDeleteTopic, "topic_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrPermissionDenied) && !errors.Is(txErr, ErrTopicNotFound) {
			d.logError(opDeleteTopic, "failed", txErr, zap.String("topic_id", topicID))
		}
		return txErr
	}
	return nil
}

func (d *Directory) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("topic directory error", attrs...)
}
