package server

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/auth"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/chat"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAllowedOrigin = "http://localhost:3000"

type testServer struct {
	handler   http.Handler
	directory *chat.Directory
	store     *chat.Store
	tracker   *chat.PresenceTracker
	hub       *RealtimeHub
}

func newTestServer(t *testing.T, validator SessionValidator) testServer {
	t.Helper()
	return newTestServerWithOrigins(t, validator, []string{testAllowedOrigin})
}

func newTestServerWithOrigins(t *testing.T, validator SessionValidator, allowedOrigins []string) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(chat.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	directory, err := chat.NewDirectory(chat.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	store, err := chat.NewStore(chat.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	tracker := chat.NewPresenceTracker()
	listing, err := chat.NewListing(chat.ListingConfig{Database: db, Store: store, Presence: tracker})
	if err != nil {
		t.Fatalf("failed to construct listing: %v", err)
	}
	hub := NewRealtimeHub(zap.NewNop())
	engine, err := chat.NewEngine(chat.EngineConfig{
		Directory:   directory,
		Store:       store,
		Tracker:     tracker,
		Broadcaster: hub,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	if validator == nil {
		validator = stubSessionValidator{claims: auth.SessionClaims{UserID: "user-1", UserDisplayName: "Ada"}}
	}
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Directory:        directory,
		Store:            store,
		Listing:          listing,
		Engine:           engine,
		Hub:              hub,
		AllowedOrigins:   allowedOrigins,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return testServer{handler: handler, directory: directory, store: store, tracker: tracker, hub: hub}
}
