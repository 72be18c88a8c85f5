package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/converso-app/converso/backend/internal/auth"
	"github.com/converso-app/converso/backend/internal/forum"
	"github.com/converso-app/converso/backend/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "converso-auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler    http.Handler
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
	issuer     *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&forum.Topic{}, &forum.Post{}, &forum.Poll{}, &forum.PollOption{}, &forum.PollVote{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	transport := forum.DispatcherTransport(dispatcher)

	polls, err := forum.NewPollEngine(forum.PollEngineConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build poll engine: %v", err)
	}
	directory, err := forum.NewDirectory(forum.DirectoryConfig{
		Database:   db,
		Transport:  transport,
		PollEngine: polls,
	})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:   verifier,
		Directory:  directory,
		PollEngine: polls,
		Database:   db,
		Dispatcher: dispatcher,
		Presence:   realtime.NewPresenceChannel(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testServer{
		handler:    handler,
		db:         db,
		dispatcher: dispatcher,
		issuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(testSigningSecret),
			Issuer:        testIssuer,
		}),
	}
}

func (s *testServer) tokenFor(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewBuffer(encoded)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func memberIdentity(userID, name string) auth.Identity {
	return auth.Identity{UserID: userID, DisplayName: name}
}

func moderatorIdentity(userID, name string) auth.Identity {
	return auth.Identity{UserID: userID, DisplayName: name, Privileged: true}
}
