package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxContentLength = 4000

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store maps each chat persistence operation onto a single durable statement
// (or a short transaction where a cascade is involved).
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

type AppendMessageInput struct {
	RoomID          uint
	UserID          string
	Username        string
	Content         string
	ParentMessageID *uint
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AppendMessage persists a new message.
func (s *Store) AppendMessage(ctx context.Context, input AppendMessageInput) (Message, error) {
	if err := validateContent(input.Content); err != nil {
		return Message{}, newServiceError(opAppendMessage, "invalid_content", err)
	}
	userID, err := normalizeUserID(input.UserID)
	if err != nil {
		return Message{}, newServiceError(opAppendMessage, "invalid_user", err)
	}

	if input.ParentMessageID != nil {
		if _, err := s.messageInRoom(ctx, s.db, input.RoomID, *input.ParentMessageID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return Message{}, newServiceError(opAppendMessage, "parent_not_found", fmt.Errorf("%w: parent message not found", ErrNotFound))
			}
			s.logError(opAppendMessage, "parent_lookup_failed", err, zap.Uint("room_id", input.RoomID))
			return Message{}, newServiceError(opAppendMessage, "parent_lookup_failed", err)
		}
	}

	message := Message{
		RoomID:          input.RoomID,
		UserID:          userID,
		Username:        strings.TrimSpace(input.Username),
		Content:         input.Content,
		CreatedAt:       s.clock().UTC(),
		ParentMessageID: input.ParentMessageID,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opAppendMessage, "insert_failed", err, zap.Uint("room_id", input.RoomID), zap.String("user_id", userID))
		return Message{}, newServiceError(opAppendMessage, "insert_failed", err)
	}
	return message, nil
}

// EditMessage rewrites the content of a message authored by userID.
func (s *Store) EditMessage(ctx context.Context, roomID, messageID uint, userID, content string) (Message, error) {
	if err := validateContent(content); err != nil {
		return Message{}, newServiceError(opEditMessage, "invalid_content", err)
	}

	var updated Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		editedAt := s.clock().UTC()
		result := tx.Model(&Message{}).
			Where("id = ? AND user_id = ? AND chat_room_id = ?", messageID, userID, roomID).
			Updates(map[string]any{
				"content":   content,
				"is_edited": true,
				"edited_at": editedAt,
			})
		if result.Error != nil {
			return newServiceError(opEditMessage, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opEditMessage, "not_found_or_unauthorized", ErrNotFoundOrUnauthorized)
		}
		if err := tx.Where("id = ?", messageID).Take(&updated).Error; err != nil {
			return newServiceError(opEditMessage, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFoundOrUnauthorized) {
			s.logError(opEditMessage, "transaction_failed", txErr, zap.Uint("message_id", messageID))
		}
		return Message{}, txErr
	}
	return updated, nil
}

// DeleteMessage removes a message authored by userID together with its reactions.
func (s *Store) DeleteMessage(ctx context.Context, roomID, messageID uint, userID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ? AND chat_room_id = ?", messageID, userID, roomID).Delete(&Message{})
		if result.Error != nil {
			return newServiceError(opDeleteMessage, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteMessage, "not_found_or_unauthorized", ErrNotFoundOrUnauthorized)
		}
		if err := tx.Where("message_id = ?", messageID).Delete(&Reaction{}).Error; err != nil {
			return newServiceError(opDeleteMessage, "reaction_cascade_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrNotFoundOrUnauthorized) {
		s.logError(opDeleteMessage, "transaction_failed", txErr, zap.Uint("message_id", messageID))
	}
	return txErr
}

// ListMessages returns the most recent limit messages of a room in ascending
// order, each with its reactions. A non-positive limit selects DefaultHistoryLimit.
func (s *Store) ListMessages(ctx context.Context, roomID uint, limit int) ([]MessageView, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var recent []Message
	if err := s.db.WithContext(ctx).
		Where("chat_room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&recent).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.Uint("room_id", roomID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}

	views := make([]MessageView, len(recent))
	if len(recent) == 0 {
		return views, nil
	}
	ids := make([]uint, len(recent))
	for index, message := range recent {
		position := len(recent) - 1 - index
		views[position] = MessageView{Message: message, Reactions: []Reaction{}}
		ids[position] = message.ID
	}

	var reactions []Reaction
	if err := s.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("created_at ASC").
		Order("id ASC").
		Find(&reactions).Error; err != nil {
		s.logError(opListMessages, "reaction_query_failed", err, zap.Uint("room_id", roomID))
		return nil, newServiceError(opListMessages, "reaction_query_failed", err)
	}
	positions := make(map[uint]int, len(views))
	for index, view := range views {
		positions[view.ID] = index
	}
	for _, reaction := range reactions {
		index, ok := positions[reaction.MessageID]
		if !ok {
			continue
		}
		views[index].Reactions = append(views[index].Reactions, reaction)
		views[index].ReactionCount++
	}
	return views, nil
}

// AddReaction records a reaction. A repeated (message, user, kind) triple is
// rejected with ErrDuplicateReaction.
func (s *Store) AddReaction(ctx context.Context, roomID, messageID uint, userID string, rawKind string) (Reaction, error) {
	kind, err := ParseReactionKind(rawKind)
	if err != nil {
		return Reaction{}, newServiceError(opAddReaction, "invalid_kind", err)
	}
	if _, err := s.messageInRoom(ctx, s.db, roomID, messageID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Reaction{}, newServiceError(opAddReaction, "message_not_found", fmt.Errorf("%w: message not found", ErrNotFound))
		}
		s.logError(opAddReaction, "message_lookup_failed", err, zap.Uint("message_id", messageID))
		return Reaction{}, newServiceError(opAddReaction, "message_lookup_failed", err)
	}

	reaction := Reaction{
		MessageID:    messageID,
		UserID:       userID,
		ReactionType: kind,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&reaction).Error; err != nil {
		if isUniqueViolation(err) {
			return Reaction{}, newServiceError(opAddReaction, "duplicate", ErrDuplicateReaction)
		}
		s.logError(opAddReaction, "insert_failed", err, zap.Uint("message_id", messageID))
		return Reaction{}, newServiceError(opAddReaction, "insert_failed", err)
	}
	return reaction, nil
}

// RemoveReaction deletes a matching reaction.
func (s *Store) RemoveReaction(ctx context.Context, roomID, messageID uint, userID string, rawKind string) error {
	kind, err := ParseReactionKind(rawKind)
	if err != nil {
		return newServiceError(opRemoveReaction, "invalid_kind", err)
	}
	scope := s.db.WithContext(ctx).Model(&Message{}).
		Select("id").
		Where("id = ? AND chat_room_id = ?", messageID, roomID)
	result := s.db.WithContext(ctx).
		Where("message_id IN (?) AND user_id = ? AND reaction_type = ?", scope, userID, kind).
		Delete(&Reaction{})
	if result.Error != nil {
		s.logError(opRemoveReaction, "delete_failed", result.Error, zap.Uint("message_id", messageID))
		return newServiceError(opRemoveReaction, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opRemoveReaction, "not_found", fmt.Errorf("%w: reaction not found", ErrNotFound))
	}
	return nil
}

// UpsertMember records membership, refreshing the username snapshot on re-join.
func (s *Store) UpsertMember(ctx context.Context, roomID uint, userID, username string) error {
	member := Member{
		RoomID:   roomID,
		UserID:   userID,
		Username: strings.TrimSpace(username),
		JoinedAt: s.clock().UTC(),
		Role:     defaultMemberRole,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username"}),
		}).
		Create(&member).Error
	if err != nil {
		s.logError(opUpsertMember, "upsert_failed", err, zap.Uint("room_id", roomID), zap.String("user_id", userID))
		return newServiceError(opUpsertMember, "upsert_failed", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID uint, userID string) error {
	if err := s.db.WithContext(ctx).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Delete(&Member{}).Error; err != nil {
		s.logError(opRemoveMember, "delete_failed", err, zap.Uint("room_id", roomID), zap.String("user_id", userID))
		return newServiceError(opRemoveMember, "delete_failed", err)
	}
	return nil
}

// CountMembers returns durable member counts keyed by room id.
func (s *Store) CountMembers(ctx context.Context, roomIDs []uint) (map[uint]int, error) {
	counts := make(map[uint]int, len(roomIDs))
	if len(roomIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		RoomID uint  `gorm:"column:chat_room_id"`
		Total  int64 `gorm:"column:total"`
	}
	if err := s.db.WithContext(ctx).
		Model(&Member{}).
		Select("chat_room_id, COUNT(*) AS total").
		Where("chat_room_id IN ?", roomIDs).
		Group("chat_room_id").
		Scan(&rows).Error; err != nil {
		s.logError(opCountMembers, "query_failed", err)
		return nil, newServiceError(opCountMembers, "query_failed", err)
	}
	for _, row := range rows {
		counts[row.RoomID] = int(row.Total)
	}
	return counts, nil
}

func (s *Store) messageInRoom(ctx context.Context, db *gorm.DB, roomID, messageID uint) (Message, error) {
	var message Message
	err := db.WithContext(ctx).Where("id = ? AND chat_room_id = ?", messageID, roomID).Take(&message).Error
	return message, err
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, "chat store error", operation, reason, err, fields...)
}

// validateContent rejects blank or oversized content. The content itself is
// stored as sent so indentation and trailing newlines survive.
func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, maxContentLength)
	}
	return nil
}
