package chat

import (
	"sort"
	"sync"
)

// PresenceEntry describes one live connection registered in a room.
type PresenceEntry struct {
	ConnectionID string `json:"-"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	sequence     int64
}

// Departure records a presence entry removed during connection cleanup
// together with the room's remaining entries after the removal.
type Departure struct {
	RoomCode  string
	Entry     PresenceEntry
	Remaining []PresenceEntry
}

// PresenceTracker is the in-memory registry of active connections per room.
// Every operation runs under one mutex, so a removal and the snapshot of the
// remaining entries are observed together.
type PresenceTracker struct {
	mu       sync.Mutex
	rooms    map[string]map[string]PresenceEntry
	sequence int64
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		rooms: make(map[string]map[string]PresenceEntry),
	}
}

// Register adds or refreshes the entry for a connection and returns the room
// snapshot in join order. A refreshed entry keeps its original position.
func (t *PresenceTracker) Register(roomCode, connectionID, userID, username string) []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.rooms[roomCode]
	if !ok {
		entries = make(map[string]PresenceEntry)
		t.rooms[roomCode] = entries
	}
	entry, exists := entries[connectionID]
	if !exists {
		t.sequence++
		entry.sequence = t.sequence
	}
	entry.ConnectionID = connectionID
	entry.UserID = userID
	entry.Username = username
	entries[connectionID] = entry

	return snapshot(entries)
}

// Unregister removes a connection from a room, returning the removed entry
// and the remaining snapshot.
func (t *PresenceTracker) Unregister(roomCode, connectionID string) (PresenceEntry, []PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.rooms[roomCode]
	entry, ok := entries[connectionID]
	if !ok {
		return PresenceEntry{}, snapshot(entries), false
	}
	delete(entries, connectionID)
	remaining := snapshot(entries)
	if len(entries) == 0 {
		delete(t.rooms, roomCode)
	}
	return entry, remaining, true
}

// UnregisterConnection removes a connection from every room it is registered in.
func (t *PresenceTracker) UnregisterConnection(connectionID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	var departures []Departure
	for roomCode, entries := range t.rooms {
		entry, ok := entries[connectionID]
		if !ok {
			continue
		}
		delete(entries, connectionID)
		departures = append(departures, Departure{
			RoomCode:  roomCode,
			Entry:     entry,
			Remaining: snapshot(entries),
		})
		if len(entries) == 0 {
			delete(t.rooms, roomCode)
		}
	}
	sort.Slice(departures, func(i, j int) bool {
		return departures[i].RoomCode < departures[j].RoomCode
	})
	return departures
}

func (t *PresenceTracker) List(roomCode string) []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.rooms[roomCode])
}

func (t *PresenceTracker) Lookup(roomCode, connectionID string) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.rooms[roomCode][connectionID]
	return entry, ok
}

func (t *PresenceTracker) Count(roomCode string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[roomCode])
}

// HasUser reports whether any connection of the user remains in the room.
func (t *PresenceTracker) HasUser(roomCode, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.rooms[roomCode] {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

func snapshot(entries map[string]PresenceEntry) []PresenceEntry {
	list := make([]PresenceEntry, 0, len(entries))
	for _, entry := range entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].sequence < list[j].sequence
	})
	return list
}

func connectionIDs(entries []PresenceEntry, exclude string) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.ConnectionID == exclude {
			continue
		}
		ids = append(ids, entry.ConnectionID)
	}
	return ids
}
