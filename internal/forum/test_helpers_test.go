package forum

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/converso-app/converso/backend/internal/auth"
	"github.com/converso-app/converso/backend/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Topic{}, &Post{}, &Poll{}, &PollOption{}, &PollVote{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// sequenceIDProvider issues deterministic ids for assertions on ordering.
type sequenceIDProvider struct {
	prefix  string
	counter int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.counter++
	return fmt.Sprintf("%s-%d", p.prefix, p.counter), nil
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", fmt.Errorf("id provider unavailable")
}

func fixedClock(unixSeconds int64) func() time.Time {
	return func() time.Time {
		return time.Unix(unixSeconds, 0).UTC()
	}
}

func testIdentity(userID string) auth.Identity {
	return auth.Identity{UserID: userID, DisplayName: userID}
}

func privilegedIdentity(userID string) auth.Identity {
	return auth.Identity{UserID: userID, DisplayName: userID, Privileged: true}
}

func newTestPollEngine(t *testing.T, db *gorm.DB) *PollEngine {
	t.Helper()
	engine, err := NewPollEngine(PollEngineConfig{
		Database:   db,
		Clock:      fixedClock(1700000000),
		IDProvider: &sequenceIDProvider{prefix: "poll"},
	})
	if err != nil {
		t.Fatalf("unexpected poll engine error: %v", err)
	}
	return engine
}

func newTestDirectory(t *testing.T, db *gorm.DB, dispatcher *realtime.Dispatcher) *Directory {
	t.Helper()
	directory, err := NewDirectory(DirectoryConfig{
		Database:   db,
		Transport:  DispatcherTransport(dispatcher),
		PollEngine: newTestPollEngine(t, db),
		Clock:      fixedClock(1700000000),
		IDProvider: &sequenceIDProvider{prefix: "topic"},
	})
	if err != nil {
		t.Fatalf("unexpected directory error: %v", err)
	}
	return directory
}

func mustCreateTopic(t *testing.T, directory *Directory, request CreateTopicRequest) TopicView {
	t.Helper()
	view, err := directory.CreateTopic(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected create topic error: %v", err)
	}
	return view
}

func waitForSnapshot(t *testing.T, session *Session, predicate func([]Post) bool) []Post {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot := session.Snapshot()
		if predicate(snapshot) {
			return snapshot
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for snapshot condition; last log: %#v", session.Snapshot())
	return nil
}
