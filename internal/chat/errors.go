package chat

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrValidation reports malformed input such as empty message content.
	ErrValidation = errors.New("chat: validation failed")
	// ErrNotFoundOrUnauthorized reports an edit or delete that matched no message authored by the caller.
	ErrNotFoundOrUnauthorized = errors.New("chat: message not found or unauthorized")
	// ErrDuplicateReaction reports a second identical reaction by the same user.
	ErrDuplicateReaction = errors.New("chat: duplicate reaction")
	// ErrNotFound reports a missing target such as a reaction or room.
	ErrNotFound = errors.New("chat: not found")
	// ErrRoomResolution reports a store failure while resolving or creating a room.
	ErrRoomResolution = errors.New("chat: room resolution failed")
	// ErrNotJoined reports a room-scoped command sent while not joined to that room.
	ErrNotJoined = errors.New("chat: not joined to room")
	// ErrTransport reports a connection-level failure.
	ErrTransport = errors.New("chat: transport failure")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingStore       = errors.New("message store is required")
	errMissingDirectory   = errors.New("room directory is required")
	errMissingTracker     = errors.New("presence tracker is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
)

// ServiceError carries an operation-scoped code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opResolveRoom    = "chat.resolve_room"
	opCreateRoom     = "chat.create_room"
	opLookupRoom     = "chat.lookup_room"
	opListRooms      = "chat.list_rooms"
	opAppendMessage  = "chat.append_message"
	opEditMessage    = "chat.edit_message"
	opDeleteMessage  = "chat.delete_message"
	opListMessages   = "chat.list_messages"
	opAddReaction    = "chat.add_reaction"
	opRemoveReaction = "chat.remove_reaction"
	opUpsertMember   = "chat.upsert_member"
	opRemoveMember   = "chat.remove_member"
	opCountMembers   = "chat.count_members"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// PublicMessage maps an error onto the short message shown to the calling
// client. Internal details never cross the connection.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFoundOrUnauthorized):
		return "Message not found or unauthorized"
	case errors.Is(err, ErrDuplicateReaction):
		return "Reaction already exists"
	case errors.Is(err, ErrNotJoined):
		return "Not joined to this room"
	case errors.Is(err, ErrRoomResolution):
		return "Failed to join room"
	case errors.Is(err, ErrNotFound):
		return sentinelDetail(err, ErrNotFound, "Not found")
	case errors.Is(err, ErrValidation):
		return sentinelDetail(err, ErrValidation, "Invalid request")
	default:
		return "Request failed"
	}
}

// sentinelDetail extracts the text wrapped after a sentinel, e.g.
// "chat: validation failed: content is required" -> "Content is required".
func sentinelDetail(err, sentinel error, fallback string) string {
	message := err.Error()
	marker := sentinel.Error() + ": "
	index := strings.LastIndex(message, marker)
	if index < 0 {
		return fallback
	}
	detail := strings.TrimSpace(message[index+len(marker):])
	if detail == "" {
		return fallback
	}
	return strings.ToUpper(detail[:1]) + detail[1:]
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") || strings.Contains(message, "duplicate key")
}
