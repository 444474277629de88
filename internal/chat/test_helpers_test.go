package chat

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{TranslateError: true})
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// steppingClock returns a clock advancing one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestDirectory(t *testing.T, db *gorm.DB) *Directory {
	t.Helper()
	directory, err := NewDirectory(DirectoryConfig{Database: db, Clock: steppingClock()})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	return directory
}

func newTestStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db, Clock: steppingClock()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

type delivery struct {
	recipients []string
	event      Event
}

type recordingBroadcaster struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recordingBroadcaster) Deliver(connectionIDs []string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{
		recipients: append([]string(nil), connectionIDs...),
		event:      event,
	})
}

func (r *recordingBroadcaster) eventsFor(connectionID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []Event
	for _, item := range r.deliveries {
		for _, recipient := range item.recipients {
			if recipient == connectionID {
				events = append(events, item.event)
				break
			}
		}
	}
	return events
}

func (r *recordingBroadcaster) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}

func eventNames(events []Event) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}
	return names
}

func countEvents(events []Event, name string) int {
	total := 0
	for _, event := range events {
		if event.Name == name {
			total++
		}
	}
	return total
}

type testEngine struct {
	engine      *Engine
	store       *Store
	directory   *Directory
	tracker     *PresenceTracker
	broadcaster *recordingBroadcaster
}

func newTestEngine(t *testing.T) testEngine {
	t.Helper()
	db := newTestDatabase(t)
	directory := newTestDirectory(t, db)
	store := newTestStore(t, db)
	tracker := NewPresenceTracker()
	broadcaster := &recordingBroadcaster{}
	engine, err := NewEngine(EngineConfig{
		Directory:   directory,
		Store:       store,
		Tracker:     tracker,
		Broadcaster: broadcaster,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return testEngine{
		engine:      engine,
		store:       store,
		directory:   directory,
		tracker:     tracker,
		broadcaster: broadcaster,
	}
}

func mustSession(t *testing.T, engine *Engine, connectionID, userID, displayName string) *Session {
	t.Helper()
	session, err := engine.NewSession(connectionID, Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return session
}
