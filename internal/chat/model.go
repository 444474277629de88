package chat

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultHistoryLimit bounds the recent-message window returned to clients.
	DefaultHistoryLimit = 50
	// RoomCodeLength is the length of generated external room codes.
	RoomCodeLength = 8

	maxRoomCodeLength   = 32
	maxIdentifierLength = 255
	defaultMemberRole   = "member"
	defaultRoomNameFmt  = "Chat Room %s"
)

// ReactionKind enumerates the reaction vocabulary accepted by the store.
type ReactionKind string

const (
	ReactionThumbsUp ReactionKind = "thumbsup"
	ReactionHeart    ReactionKind = "heart"
	ReactionLaugh    ReactionKind = "laugh"
	ReactionWow      ReactionKind = "wow"
	ReactionSad      ReactionKind = "sad"
	ReactionClap     ReactionKind = "clap"
)

// ParseReactionKind normalizes a raw reaction type and rejects unknown kinds.
func ParseReactionKind(raw string) (ReactionKind, error) {
	kind := ReactionKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case ReactionThumbsUp, ReactionHeart, ReactionLaugh, ReactionWow, ReactionSad, ReactionClap:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown reaction type %q", ErrValidation, raw)
	}
}

// Room is a chat channel addressed by a short external code.
type Room struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Code         string    `gorm:"column:room_id;size:32;not null;uniqueIndex:idx_chat_rooms_room_id" json:"room_id"`
	TechnologyID *uint     `gorm:"column:technology_id;index" json:"technology_id"`
	Name         string    `gorm:"column:name;size:255;not null" json:"name"`
	Description  *string   `gorm:"column:description;type:text" json:"description"`
	IsActive     bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "chat_rooms"
}

// Member is the durable record that a user joined a room.
type Member struct {
	ID       uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RoomID   uint      `gorm:"column:chat_room_id;not null;uniqueIndex:idx_chat_room_members_room_user,priority:1" json:"chat_room_id"`
	UserID   string    `gorm:"column:user_id;size:255;not null;uniqueIndex:idx_chat_room_members_room_user,priority:2" json:"user_id"`
	Username string    `gorm:"column:username;size:255" json:"username"`
	JoinedAt time.Time `gorm:"column:joined_at;not null" json:"joined_at"`
	Role     string    `gorm:"column:role;size:50;not null;default:member" json:"role"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "chat_room_members"
}

// Message is a chat message. Username is a snapshot taken at send time and
// is never rewritten when the author later changes their display name.
type Message struct {
	ID              uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RoomID          uint       `gorm:"column:chat_room_id;not null;index:idx_messages_room_created,priority:1" json:"chat_room_id"`
	UserID          string     `gorm:"column:user_id;size:255;not null" json:"user_id"`
	Username        string     `gorm:"column:username;size:255" json:"username"`
	Content         string     `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null;index:idx_messages_room_created,priority:2" json:"created_at"`
	IsEdited        bool       `gorm:"column:is_edited;not null;default:false" json:"is_edited"`
	EditedAt        *time.Time `gorm:"column:edited_at" json:"edited_at"`
	ParentMessageID *uint      `gorm:"column:parent_message_id;index" json:"parent_message_id"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Reaction is a user's annotation of a message, unique per (message, user, kind).
type Reaction struct {
	ID           uint         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MessageID    uint         `gorm:"column:message_id;not null;uniqueIndex:idx_message_reactions_unique,priority:1" json:"message_id"`
	UserID       string       `gorm:"column:user_id;size:255;not null;uniqueIndex:idx_message_reactions_unique,priority:2" json:"user_id"`
	ReactionType ReactionKind `gorm:"column:reaction_type;size:50;not null;uniqueIndex:idx_message_reactions_unique,priority:3" json:"reaction_type"`
	CreatedAt    time.Time    `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Reaction) TableName() string {
	return "message_reactions"
}

// MessageView is a message together with its reactions, as served to clients
// fetching room history.
type MessageView struct {
	Message
	ReactionCount int        `json:"reaction_count"`
	Reactions     []Reaction `json:"reactions"`
}

// Models lists every persisted chat type for schema migration.
func Models() []any {
	return []any{&Room{}, &Member{}, &Message{}, &Reaction{}}
}

// Identity is the authenticated tuple supplied by the identity provider.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// NormalizeRoomCode validates an external room code.
func NormalizeRoomCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return "", fmt.Errorf("%w: room code is required", ErrValidation)
	}
	if len(code) > maxRoomCodeLength {
		return "", fmt.Errorf("%w: room code exceeds %d characters", ErrValidation, maxRoomCodeLength)
	}
	if strings.ContainsAny(code, " \t\r\n") {
		return "", fmt.Errorf("%w: room code must not contain whitespace", ErrValidation)
	}
	return code, nil
}

func defaultRoomName(code string) string {
	return fmt.Sprintf(defaultRoomNameFmt, code)
}

func normalizeUserID(raw string) (string, error) {
	userID := strings.TrimSpace(raw)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(userID) > maxIdentifierLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return userID, nil
}
