package forum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/converso-app/converso/backend/internal/realtime"
)

func TestCreateTopicRequiresTitle(t *testing.T) {
	directory := newTestDirectory(t, newTestDB(t), realtime.NewDispatcher())

	_, err := directory.CreateTopic(context.Background(), CreateTopicRequest{
		Title:  "   ",
		Author: testIdentity("maria@example.com"),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateTopicWithPollAndOpeningPost(t *testing.T) {
	db := newTestDB(t)
	directory := newTestDirectory(t, db, realtime.NewDispatcher())

	view := mustCreateTopic(t, directory, CreateTopicRequest{
		Title:    "Boas-vindas",
		Category: "geral",
		Author:   privilegedIdentity("admin@example.com"),
		Poll: &PollDraft{
			Question: "Gostou?",
			Options:  []string{"Sim", "Não"},
		},
		OpeningPost: "Sejam bem-vindos!",
	})

	if view.Topic.Title != "Boas-vindas" {
		t.Fatalf("unexpected topic title %q", view.Topic.Title)
	}
	if view.Poll == nil || view.Poll.Question != "Gostou?" {
		t.Fatalf("expected attached poll, got %#v", view.Poll)
	}
	if view.Opening == nil || !view.Opening.IsPrivileged {
		t.Fatalf("expected privileged opening post, got %#v", view.Opening)
	}
	if len(view.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", view.Warnings)
	}

	var count int64
	if err := db.Model(&PollOption{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 options persisted, got %d", count)
	}
}

func TestCreateTopicSurvivesPollFailureWithWarning(t *testing.T) {
	db := newTestDB(t)
	// The poll engine's id provider fails immediately, so poll creation
	// fails after the topic row already exists.
	pollEngine, err := NewPollEngine(PollEngineConfig{
		Database:   db,
		IDProvider: failingIDProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected poll engine error: %v", err)
	}

	directory, err := NewDirectory(DirectoryConfig{
		Database:   db,
		Transport:  DispatcherTransport(realtime.NewDispatcher()),
		PollEngine: pollEngine,
		IDProvider: &sequenceIDProvider{prefix: "topic"},
	})
	if err != nil {
		t.Fatalf("unexpected directory error: %v", err)
	}

	view, err := directory.CreateTopic(context.Background(), CreateTopicRequest{
		Title:  "Boas-vindas",
		Author: testIdentity("maria@example.com"),
		Poll:   &PollDraft{Question: "Gostou?", Options: []string{"Sim", "Não"}},
	})
	if err != nil {
		t.Fatalf("expected topic creation to succeed despite poll failure: %v", err)
	}
	if view.Poll != nil {
		t.Fatal("expected no poll on failure")
	}
	if len(view.Warnings) != 1 || view.Warnings[0] != "poll_creation_failed" {
		t.Fatalf("expected poll_creation_failed warning, got %v", view.Warnings)
	}

	topics, err := directory.ListTopics(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(topics) != 1 {
		t.Fatalf("expected topic row to remain visible, got %d topics", len(topics))
	}
}

func TestListTopicsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	dispatcher := realtime.NewDispatcher()
	pollEngine := newTestPollEngine(t, db)

	clockSeconds := int64(1700000000)
	directory, err := NewDirectory(DirectoryConfig{
		Database:   db,
		Transport:  DispatcherTransport(dispatcher),
		PollEngine: pollEngine,
		Clock: func() time.Time {
			clockSeconds++
			return time.Unix(clockSeconds, 0).UTC()
		},
		IDProvider: &sequenceIDProvider{prefix: "topic"},
	})
	if err != nil {
		t.Fatalf("unexpected directory error: %v", err)
	}

	for _, title := range []string{"primeiro", "segundo", "terceiro"} {
		mustCreateTopic(t, directory, CreateTopicRequest{
			Title:  title,
			Author: testIdentity("maria@example.com"),
		})
	}

	topics, err := directory.ListTopics(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(topics) != 3 {
		t.Fatalf("expected 3 topics, got %d", len(topics))
	}
	if topics[0].Title != "terceiro" || topics[2].Title != "primeiro" {
		t.Fatalf("expected newest-first ordering, got %q .. %q", topics[0].Title, topics[2].Title)
	}
}

func TestOnTopicCreatedDeliversNewTopics(t *testing.T) {
	directory := newTestDirectory(t, newTestDB(t), realtime.NewDispatcher())

	created := make(chan Topic, 1)
	cancel := directory.OnTopicCreated(context.Background(), func(topic Topic) {
		created <- topic
	})
	defer cancel()

	mustCreateTopic(t, directory, CreateTopicRequest{
		Title:  "Novo tópico",
		Author: testIdentity("maria@example.com"),
	})

	select {
	case topic := <-created:
		if topic.Title != "Novo tópico" {
			t.Fatalf("unexpected topic %#v", topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected topic-created callback")
	}
}

func TestGetTopic(t *testing.T) {
	db := newTestDB(t)
	directory := newTestDirectory(t, db, realtime.NewDispatcher())

	view := mustCreateTopic(t, directory, CreateTopicRequest{
		Title:  "Dúvidas",
		Author: testIdentity("user-1"),
	})

	topic, err := directory.GetTopic(context.Background(), view.Topic.TopicID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topic.Title != "Dúvidas" {
		t.Fatalf("unexpected topic: %+v", topic)
	}

	if _, err := directory.GetTopic(context.Background(), "missing"); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestDeleteTopicRequiresPrivilege(t *testing.T) {
	directory := newTestDirectory(t, newTestDB(t), realtime.NewDispatcher())

	view := mustCreateTopic(t, directory, CreateTopicRequest{
		Title:  "Boas-vindas",
		Author: testIdentity("maria@example.com"),
	})

	err := directory.DeleteTopic(context.Background(), view.Topic.TopicID, testIdentity("maria@example.com"))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestDeleteTopicCascades(t *testing.T) {
	db := newTestDB(t)
	directory := newTestDirectory(t, db, realtime.NewDispatcher())

	view := mustCreateTopic(t, directory, CreateTopicRequest{
		Title:       "Boas-vindas",
		Author:      privilegedIdentity("admin@example.com"),
		Poll:        &PollDraft{Question: "Gostou?", Options: []string{"Sim", "Não"}},
		OpeningPost: "olá",
	})
	if err := directory.polls.CastVote(context.Background(), view.Poll.PollID, optionIDOf(t, directory, view.Topic.TopicID), "u1"); err != nil {
		t.Fatalf("unexpected vote error: %v", err)
	}

	if err := directory.DeleteTopic(context.Background(), view.Topic.TopicID, privilegedIdentity("admin@example.com")); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	for _, model := range []interface{}{&Topic{}, &Post{}, &Poll{}, &PollOption{}, &PollVote{}} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("unexpected count error: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected cascade to remove %T rows, found %d", model, count)
		}
	}
}

func TestDeleteTopicNotFound(t *testing.T) {
	directory := newTestDirectory(t, newTestDB(t), realtime.NewDispatcher())

	err := directory.DeleteTopic(context.Background(), "missing", privilegedIdentity("admin@example.com"))
	if !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func optionIDOf(t *testing.T, directory *Directory, topicID string) string {
	t.Helper()
	view, err := directory.polls.LoadPoll(context.Background(), topicID)
	if err != nil || view == nil {
		t.Fatalf("failed to load poll for topic %s: %v", topicID, err)
	}
	return view.Options[0].Option.OptionID
}
