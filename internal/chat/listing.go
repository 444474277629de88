package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActiveCounter reports live connection counts per room code.
type ActiveCounter interface {
	Count(roomCode string) int
}

type RoomFilter struct {
	Search       string
	TechnologyID *uint
}

// RoomSummary is a listed room with its live and durable occupancy.
type RoomSummary struct {
	Room
	ActiveUsers int `json:"active_users"`
	MemberCount int `json:"member_count"`
}

type ListingConfig struct {
	Database *gorm.DB
	Store    *Store
	Presence ActiveCounter
	Logger   *zap.Logger
}

// Listing lists active rooms with live active-user counts.
type Listing struct {
	db       *gorm.DB
	store    *Store
	presence ActiveCounter
	logger   *zap.Logger
}

func NewListing(cfg ListingConfig) (*Listing, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Presence == nil {
		return nil, errMissingTracker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Listing{db: cfg.Database, store: cfg.Store, presence: cfg.Presence, logger: logger}, nil
}

// List returns active rooms, newest first. A search that matches nothing
// yields an empty slice.
func (l *Listing) List(ctx context.Context, filter RoomFilter) ([]RoomSummary, error) {
	query := l.db.WithContext(ctx).Model(&Room{}).Where("is_active = ?", true)
	if filter.TechnologyID != nil {
		query = query.Where("technology_id = ?", *filter.TechnologyID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
		query = query.Where("(LOWER(room_id) LIKE ? ESCAPE '\\' OR LOWER(name) LIKE ? ESCAPE '\\')", pattern, pattern)
	}

	var rooms []Room
	if err := query.Order("created_at DESC").Order("id DESC").Find(&rooms).Error; err != nil {
		logServiceError(l.logger, "chat listing error", opListRooms, "query_failed", err)
		return nil, newServiceError(opListRooms, "query_failed", err)
	}

	summaries := make([]RoomSummary, 0, len(rooms))
	if len(rooms) == 0 {
		return summaries, nil
	}
	ids := make([]uint, len(rooms))
	for index, room := range rooms {
		ids[index] = room.ID
	}
	memberCounts, err := l.store.CountMembers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		summaries = append(summaries, RoomSummary{
			Room:        room,
			ActiveUsers: l.presence.Count(room.Code),
			MemberCount: memberCounts[room.ID],
		})
	}
	return summaries, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
