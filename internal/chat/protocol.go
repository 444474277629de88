package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventEditMessage    = "edit_message"
	EventDeleteMessage  = "delete_message"
	EventAddReaction    = "add_reaction"
	EventRemoveReaction = "remove_reaction"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
)

const (
	EventNewMessage      = "new_message"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventActiveUsers     = "active_users"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventUserTyping      = "user_typing"
	EventUserStopTyping  = "user_stop_typing"
)

// Command is one client-originated protocol event. The set of commands is
// closed: only types declared in this package implement it.
type Command interface {
	EventName() string
	command()
}

type JoinRoom struct {
	RoomCode string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type LeaveRoom struct {
	RoomCode string `json:"roomId"`
	UserID   string `json:"userId"`
}

type SendMessage struct {
	RoomCode string          `json:"roomId"`
	Message  OutgoingMessage `json:"message"`
}

type OutgoingMessage struct {
	UserID          string `json:"user_id"`
	Content         string `json:"content"`
	ParentMessageID *uint  `json:"parent_message_id,omitempty"`
}

type EditMessage struct {
	RoomCode  string `json:"roomId"`
	MessageID uint   `json:"messageId"`
	Content   string `json:"content"`
	UserID    string `json:"userId"`
}

type DeleteMessage struct {
	RoomCode  string `json:"roomId"`
	MessageID uint   `json:"messageId"`
	UserID    string `json:"userId"`
}

type AddReaction struct {
	RoomCode     string `json:"roomId"`
	MessageID    uint   `json:"messageId"`
	UserID       string `json:"userId"`
	ReactionType string `json:"reactionType"`
}

type RemoveReaction struct {
	RoomCode     string `json:"roomId"`
	MessageID    uint   `json:"messageId"`
	UserID       string `json:"userId"`
	ReactionType string `json:"reactionType"`
}

type Typing struct {
	RoomCode string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type StopTyping struct {
	RoomCode string `json:"roomId"`
	UserID   string `json:"userId"`
}

func (JoinRoom) EventName() string       { return EventJoinRoom }
func (LeaveRoom) EventName() string      { return EventLeaveRoom }
func (SendMessage) EventName() string    { return EventSendMessage }
func (EditMessage) EventName() string    { return EventEditMessage }
func (DeleteMessage) EventName() string  { return EventDeleteMessage }
func (AddReaction) EventName() string    { return EventAddReaction }
func (RemoveReaction) EventName() string { return EventRemoveReaction }
func (Typing) EventName() string         { return EventTyping }
func (StopTyping) EventName() string     { return EventStopTyping }

func (JoinRoom) command()       {}
func (LeaveRoom) command()      {}
func (SendMessage) command()    {}
func (EditMessage) command()    {}
func (DeleteMessage) command()  {}
func (AddReaction) command()    {}
func (RemoveReaction) command() {}
func (Typing) command()         {}
func (StopTyping) command()     {}

// DecodeCommand parses the data of an inbound frame into its command type.
func DecodeCommand(event string, data json.RawMessage) (Command, error) {
	var command Command
	switch strings.TrimSpace(event) {
	case EventJoinRoom:
		command = &JoinRoom{}
	case EventLeaveRoom:
		command = &LeaveRoom{}
	case EventSendMessage:
		command = &SendMessage{}
	case EventEditMessage:
		command = &EditMessage{}
	case EventDeleteMessage:
		command = &DeleteMessage{}
	case EventAddReaction:
		command = &AddReaction{}
	case EventRemoveReaction:
		command = &RemoveReaction{}
	case EventTyping:
		command = &Typing{}
	case EventStopTyping:
		command = &StopTyping{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, event)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, command); err != nil {
			return nil, fmt.Errorf("%w: malformed %s payload", ErrValidation, event)
		}
	}
	return dereference(command), nil
}

func dereference(command Command) Command {
	switch typed := command.(type) {
	case *JoinRoom:
		return *typed
	case *LeaveRoom:
		return *typed
	case *SendMessage:
		return *typed
	case *EditMessage:
		return *typed
	case *DeleteMessage:
		return *typed
	case *AddReaction:
		return *typed
	case *RemoveReaction:
		return *typed
	case *Typing:
		return *typed
	case *StopTyping:
		return *typed
	default:
		return command
	}
}

type Event struct {
	Name string
	Data any
}

// UserJoinedPayload is broadcast to the other connections of a room on join.
type UserJoinedPayload struct {
	UserID      string          `json:"userId"`
	Username    string          `json:"username"`
	ActiveUsers []PresenceEntry `json:"activeUsers"`
}

type UserLeftPayload struct {
	UserID      string          `json:"userId"`
	ActiveUsers []PresenceEntry `json:"activeUsers"`
}

type MessageDeletedPayload struct {
	MessageID uint `json:"messageId"`
}

type ReactionAddedPayload struct {
	MessageID uint     `json:"messageId"`
	Reaction  Reaction `json:"reaction"`
}

type ReactionRemovedPayload struct {
	MessageID    uint         `json:"messageId"`
	ReactionType ReactionKind `json:"reactionType"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserStopTypingPayload struct {
	UserID string `json:"userId"`
}

type SuccessPayload struct {
	Success bool `json:"success"`
}

type JoinPayload struct {
	Success     bool            `json:"success"`
	Room        Room            `json:"room"`
	ActiveUsers []PresenceEntry `json:"activeUsers"`
}
