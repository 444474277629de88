package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RoomResolver resolves external room codes. Only ResolveOrCreate may
// create a room.
type RoomResolver interface {
	ResolveOrCreate(ctx context.Context, code string) (Room, error)
	Lookup(ctx context.Context, code string) (Room, error)
}

// MessageGateway is the durable store consumed by chat sessions.
type MessageGateway interface {
	AppendMessage(ctx context.Context, input AppendMessageInput) (Message, error)
	EditMessage(ctx context.Context, roomID, messageID uint, userID, content string) (Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID uint, userID string) error
	AddReaction(ctx context.Context, roomID, messageID uint, userID string, kind string) (Reaction, error)
	RemoveReaction(ctx context.Context, roomID, messageID uint, userID string, kind string) error
	UpsertMember(ctx context.Context, roomID uint, userID, username string) error
	RemoveMember(ctx context.Context, roomID uint, userID string) error
}

// Broadcaster delivers an event to live connections. Delivery is best effort
// and at most once per connection.
type Broadcaster interface {
	Deliver(connectionIDs []string, event Event)
}

// SessionState is the protocol state of one connection.
type SessionState int

const (
	StateUnjoined SessionState = iota
	StateJoined
)

func (s SessionState) String() string {
	if s == StateJoined {
		return "joined"
	}
	return "unjoined"
}

type EngineConfig struct {
	Directory   RoomResolver
	Store       MessageGateway
	Tracker     *PresenceTracker
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

// Engine holds state shared across chat sessions.
type Engine struct {
	directory   RoomResolver
	store       MessageGateway
	tracker     *PresenceTracker
	broadcaster Broadcaster
	logger      *zap.Logger
	locks       roomLocks
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		directory:   cfg.Directory,
		store:       cfg.Store,
		tracker:     cfg.Tracker,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		locks:       roomLocks{locks: make(map[string]*roomLock)},
	}, nil
}

// NewSession starts the protocol state machine for one authenticated connection.
func (e *Engine) NewSession(connectionID string, identity Identity) (*Session, error) {
	if strings.TrimSpace(connectionID) == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrValidation)
	}
	userID, err := normalizeUserID(identity.UserID)
	if err != nil {
		return nil, err
	}
	identity.UserID = userID
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	return &Session{
		engine:       e,
		connectionID: connectionID,
		identity:     identity,
		logger:       e.logger.With(zap.String("connection_id", connectionID), zap.String("user_id", userID)),
	}, nil
}

// Session is the per-connection protocol state machine. Commands of one
// session must be handled sequentially.
type Session struct {
	engine       *Engine
	connectionID string
	identity     Identity
	joined       *joinedRoom
	logger       *zap.Logger
}

type joinedRoom struct {
	room     Room
	username string
}

func (s *Session) ConnectionID() string {
	return s.connectionID
}

// State reports whether the session is joined to a room.
func (s *Session) State() SessionState {
	if s.joined == nil {
		return StateUnjoined
	}
	return StateJoined
}

func (s *Session) RoomCode() string {
	if s.joined == nil {
		return ""
	}
	return s.joined.room.Code
}

// Handle applies one command and returns the acknowledgment payload or a
// typed error for the caller. Durable writes are not cancelled when ctx is.
func (s *Session) Handle(ctx context.Context, command Command) (any, error) {
	ctx = context.WithoutCancel(ctx)
	switch typed := command.(type) {
	case JoinRoom:
		return s.join(ctx, typed)
	case LeaveRoom:
		return s.leave(ctx, typed)
	case SendMessage:
		return s.sendMessage(ctx, typed)
	case EditMessage:
		return s.editMessage(ctx, typed)
	case DeleteMessage:
		return s.deleteMessage(ctx, typed)
	case AddReaction:
		return s.addReaction(ctx, typed)
	case RemoveReaction:
		return s.removeReaction(ctx, typed)
	case Typing:
		return s.typing(typed)
	case StopTyping:
		return s.stopTyping(typed)
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", ErrValidation, command)
	}
}

// Close runs disconnect cleanup: the connection is removed from every room
// it is registered in and the remaining connections are told it left.
func (s *Session) Close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	joined := s.joined
	s.joined = nil

	for _, departure := range s.engine.tracker.UnregisterConnection(s.connectionID) {
		room := Room{Code: departure.RoomCode}
		if joined != nil && joined.room.Code == departure.RoomCode {
			room = joined.room
		} else if resolved, err := s.engine.directory.Lookup(ctx, departure.RoomCode); err == nil {
			room = resolved
		} else {
			s.logger.Warn("room resolution failed during disconnect", zap.String("room_code", departure.RoomCode), zap.Error(err))
		}
		if room.ID != 0 {
			s.releaseMember(ctx, room, departure.Entry.UserID)
		}
		s.engine.deliver(connectionIDs(departure.Remaining, ""), Event{
			Name: EventUserLeft,
			Data: UserLeftPayload{UserID: departure.Entry.UserID, ActiveUsers: departure.Remaining},
		})
		s.logger.Info("connection left room on disconnect", zap.String("room_code", departure.RoomCode))
	}
}

func (s *Session) join(ctx context.Context, command JoinRoom) (any, error) {
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}
	code, err := NormalizeRoomCode(command.RoomCode)
	if err != nil {
		return nil, err
	}
	username := s.displayName(command.Username)

	room, err := s.engine.directory.ResolveOrCreate(ctx, code)
	if err != nil {
		return nil, err
	}
	if s.joined != nil && s.joined.room.Code != room.Code {
		s.leaveCurrent(ctx)
	}

	// Membership and presence change together under the room lock so a
	// concurrent release by another tab of the same user sees this one.
	unlock := s.engine.locks.lock(room.Code)
	if err := s.engine.store.UpsertMember(ctx, room.ID, s.identity.UserID, username); err != nil {
		unlock()
		return nil, fmt.Errorf("%w: %v", ErrRoomResolution, err)
	}
	active := s.engine.tracker.Register(room.Code, s.connectionID, s.identity.UserID, username)
	unlock()
	s.joined = &joinedRoom{room: room, username: username}

	s.engine.deliver(connectionIDs(active, s.connectionID), Event{
		Name: EventUserJoined,
		Data: UserJoinedPayload{UserID: s.identity.UserID, Username: username, ActiveUsers: active},
	})
	s.engine.deliver([]string{s.connectionID}, Event{Name: EventActiveUsers, Data: active})
	s.logger.Info("connection joined room", zap.String("room_code", room.Code), zap.Int("active_users", len(active)))

	return JoinPayload{Success: true, Room: room, ActiveUsers: active}, nil
}

func (s *Session) leave(ctx context.Context, command LeaveRoom) (any, error) {
	if _, err := s.requireRoom(command.RoomCode); err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}
	s.leaveCurrent(ctx)
	return SuccessPayload{Success: true}, nil
}

func (s *Session) sendMessage(ctx context.Context, command SendMessage) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.Message.UserID); err != nil {
		return nil, err
	}
	username := joined.username
	if entry, ok := s.engine.tracker.Lookup(joined.room.Code, s.connectionID); ok {
		username = entry.Username
	}

	unlock := s.engine.locks.lock(joined.room.Code)
	defer unlock()

	message, err := s.engine.store.AppendMessage(ctx, AppendMessageInput{
		RoomID:          joined.room.ID,
		UserID:          s.identity.UserID,
		Username:        username,
		Content:         command.Message.Content,
		ParentMessageID: command.Message.ParentMessageID,
	})
	if err != nil {
		return nil, err
	}
	s.engine.broadcast(joined.room.Code, "", Event{Name: EventNewMessage, Data: message})
	return message, nil
}

func (s *Session) editMessage(ctx context.Context, command EditMessage) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}

	unlock := s.engine.locks.lock(joined.room.Code)
	defer unlock()

	message, err := s.engine.store.EditMessage(ctx, joined.room.ID, command.MessageID, s.identity.UserID, command.Content)
	if err != nil {
		return nil, err
	}
	s.engine.broadcast(joined.room.Code, "", Event{Name: EventMessageEdited, Data: message})
	return message, nil
}

func (s *Session) deleteMessage(ctx context.Context, command DeleteMessage) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}

	unlock := s.engine.locks.lock(joined.room.Code)
	defer unlock()

	if err := s.engine.store.DeleteMessage(ctx, joined.room.ID, command.MessageID, s.identity.UserID); err != nil {
		return nil, err
	}
	s.engine.broadcast(joined.room.Code, "", Event{
		Name: EventMessageDeleted,
		Data: MessageDeletedPayload{MessageID: command.MessageID},
	})
	return SuccessPayload{Success: true}, nil
}

func (s *Session) addReaction(ctx context.Context, command AddReaction) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}

	unlock := s.engine.locks.lock(joined.room.Code)
	defer unlock()

	reaction, err := s.engine.store.AddReaction(ctx, joined.room.ID, command.MessageID, s.identity.UserID, command.ReactionType)
	if err != nil {
		return nil, err
	}
	s.engine.broadcast(joined.room.Code, "", Event{
		Name: EventReactionAdded,
		Data: ReactionAddedPayload{MessageID: command.MessageID, Reaction: reaction},
	})
	return reaction, nil
}

func (s *Session) removeReaction(ctx context.Context, command RemoveReaction) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}
	kind, err := ParseReactionKind(command.ReactionType)
	if err != nil {
		return nil, err
	}

	unlock := s.engine.locks.lock(joined.room.Code)
	defer unlock()

	if err := s.engine.store.RemoveReaction(ctx, joined.room.ID, command.MessageID, s.identity.UserID, string(kind)); err != nil {
		return nil, err
	}
	s.engine.broadcast(joined.room.Code, "", Event{
		Name: EventReactionRemoved,
		Data: ReactionRemovedPayload{MessageID: command.MessageID, ReactionType: kind},
	})
	return SuccessPayload{Success: true}, nil
}

func (s *Session) typing(command Typing) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(command.Username)
	if username == "" {
		username = joined.username
	}
	s.engine.broadcast(joined.room.Code, s.connectionID, Event{
		Name: EventUserTyping,
		Data: UserTypingPayload{UserID: s.identity.UserID, Username: username},
	})
	return SuccessPayload{Success: true}, nil
}

func (s *Session) stopTyping(command StopTyping) (any, error) {
	joined, err := s.requireRoom(command.RoomCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkUser(command.UserID); err != nil {
		return nil, err
	}
	s.engine.broadcast(joined.room.Code, s.connectionID, Event{
		Name: EventUserStopTyping,
		Data: UserStopTypingPayload{UserID: s.identity.UserID},
	})
	return SuccessPayload{Success: true}, nil
}

func (s *Session) leaveCurrent(ctx context.Context) {
	joined := s.joined
	s.joined = nil
	if joined == nil {
		return
	}
	removed, remaining, ok := s.engine.tracker.Unregister(joined.room.Code, s.connectionID)
	if !ok {
		return
	}
	s.releaseMember(ctx, joined.room, removed.UserID)
	s.engine.deliver(connectionIDs(remaining, ""), Event{
		Name: EventUserLeft,
		Data: UserLeftPayload{UserID: removed.UserID, ActiveUsers: remaining},
	})
	s.logger.Info("connection left room", zap.String("room_code", joined.room.Code), zap.Int("active_users", len(remaining)))
}

// releaseMember deletes the durable membership unless another connection of
// the same user is still present in the room. The caller must not hold the
// room lock.
func (s *Session) releaseMember(ctx context.Context, room Room, userID string) {
	unlock := s.engine.locks.lock(room.Code)
	defer unlock()
	if s.engine.tracker.HasUser(room.Code, userID) {
		return
	}
	if err := s.engine.store.RemoveMember(ctx, room.ID, userID); err != nil {
		s.logger.Warn("member removal failed", zap.String("room_code", room.Code), zap.Error(err))
	}
}

func (s *Session) requireRoom(rawCode string) (*joinedRoom, error) {
	if s.joined == nil {
		return nil, ErrNotJoined
	}
	code := strings.TrimSpace(rawCode)
	if code != "" && code != s.joined.room.Code {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, code)
	}
	return s.joined, nil
}

func (s *Session) checkUser(rawUserID string) error {
	userID := strings.TrimSpace(rawUserID)
	if userID != "" && userID != s.identity.UserID {
		return fmt.Errorf("%w: user does not match the authenticated session", ErrValidation)
	}
	return nil
}

func (s *Session) displayName(requested string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	if s.identity.DisplayName != "" {
		return s.identity.DisplayName
	}
	return s.identity.UserID
}

func (e *Engine) broadcast(roomCode, exclude string, event Event) {
	e.deliver(connectionIDs(e.tracker.List(roomCode), exclude), event)
}

func (e *Engine) deliver(recipients []string, event Event) {
	if len(recipients) == 0 {
		return
	}
	e.broadcaster.Deliver(recipients, event)
}

type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu      sync.Mutex
	holders int
}

// lock serializes durable writes and their broadcast within one room so
// peers observe events in the order the writes completed. An entry lives only
// while some goroutine holds or waits for it.
func (l *roomLocks) lock(roomCode string) func() {
	l.mu.Lock()
	entry, ok := l.locks[roomCode]
	if !ok {
		entry = &roomLock{}
		l.locks[roomCode] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.locks, roomCode)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
