package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	roomCodeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxRoomCodeAttempts = 8
	maxRoomNameLength   = 255
)

var noOpLogger = zap.NewNop()

// CodeGenerator produces candidate external room codes.
type CodeGenerator func() (string, error)

type DirectoryConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
	CodeGenerator CodeGenerator
}

// Directory resolves external room codes to room records.
type Directory struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	generate CodeGenerator
}

type CreateRoomInput struct {
	TechnologyID *uint
	Name         string
	Description  string
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
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
	generate := cfg.CodeGenerator
	if generate == nil {
		generate = RandomRoomCode
	}
	return &Directory{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		generate: generate,
	}, nil
}

// ResolveOrCreate returns the room for the code, creating it on first
// reference. Concurrent first references converge on the row that won the
// unique index on the code.
func (d *Directory) ResolveOrCreate(ctx context.Context, rawCode string) (Room, error) {
	code, err := NormalizeRoomCode(rawCode)
	if err != nil {
		return Room{}, newServiceError(opResolveRoom, "invalid_code", err)
	}

	room, err := d.findByCode(ctx, code)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		d.logError(opResolveRoom, "lookup_failed", err, zap.String("room_code", code))
		return Room{}, newServiceError(opResolveRoom, "lookup_failed", fmt.Errorf("%w: %v", ErrRoomResolution, err))
	}

	candidate := Room{
		Code:      code,
		Name:      defaultRoomName(code),
		IsActive:  true,
		CreatedAt: d.clock().UTC(),
	}
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "room_id"}}, DoNothing: true}).
		Create(&candidate)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		d.logError(opResolveRoom, "insert_failed", result.Error, zap.String("room_code", code))
		return Room{}, newServiceError(opResolveRoom, "insert_failed", fmt.Errorf("%w: %v", ErrRoomResolution, result.Error))
	}
	if result.Error == nil && result.RowsAffected == 1 && candidate.ID != 0 {
		d.logger.Info("chat room created", zap.String("room_code", code), zap.Uint("room_id", candidate.ID))
		return candidate, nil
	}

	room, err = d.findByCode(ctx, code)
	if err != nil {
		d.logError(opResolveRoom, "reload_failed", err, zap.String("room_code", code))
		return Room{}, newServiceError(opResolveRoom, "reload_failed", fmt.Errorf("%w: %v", ErrRoomResolution, err))
	}
	return room, nil
}

// Lookup returns the room for the code without creating it.
func (d *Directory) Lookup(ctx context.Context, rawCode string) (Room, error) {
	code, err := NormalizeRoomCode(rawCode)
	if err != nil {
		return Room{}, newServiceError(opLookupRoom, "invalid_code", err)
	}
	room, err := d.findByCode(ctx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newServiceError(opLookupRoom, "not_found", fmt.Errorf("%w: room not found", ErrNotFound))
	}
	if err != nil {
		d.logError(opLookupRoom, "query_failed", err, zap.String("room_code", code))
		return Room{}, newServiceError(opLookupRoom, "query_failed", err)
	}
	return room, nil
}

// CreateNamed creates a room with a freshly generated code.
func (d *Directory) CreateNamed(ctx context.Context, input CreateRoomInput) (Room, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Room{}, newServiceError(opCreateRoom, "invalid_name", fmt.Errorf("%w: room name is required", ErrValidation))
	}
	if len(name) > maxRoomNameLength {
		return Room{}, newServiceError(opCreateRoom, "invalid_name", fmt.Errorf("%w: room name exceeds %d characters", ErrValidation, maxRoomNameLength))
	}
	var description *string
	if trimmed := strings.TrimSpace(input.Description); trimmed != "" {
		description = &trimmed
	}

	for attempt := 0; attempt < maxRoomCodeAttempts; attempt++ {
		code, err := d.generate()
		if err != nil {
			d.logError(opCreateRoom, "code_generation_failed", err)
			return Room{}, newServiceError(opCreateRoom, "code_generation_failed", err)
		}

		var existing int64
		if err := d.db.WithContext(ctx).Model(&Room{}).Where("room_id = ?", code).Count(&existing).Error; err != nil {
			d.logError(opCreateRoom, "collision_check_failed", err, zap.String("room_code", code))
			return Room{}, newServiceError(opCreateRoom, "collision_check_failed", err)
		}
		if existing > 0 {
			continue
		}

		room := Room{
			Code:         code,
			TechnologyID: input.TechnologyID,
			Name:         name,
			Description:  description,
			IsActive:     true,
			CreatedAt:    d.clock().UTC(),
		}
		if err := d.db.WithContext(ctx).Create(&room).Error; err != nil {
			if isUniqueViolation(err) {
				continue
			}
			d.logError(opCreateRoom, "insert_failed", err, zap.String("room_code", code))
			return Room{}, newServiceError(opCreateRoom, "insert_failed", err)
		}
		d.logger.Info("chat room created", zap.String("room_code", code), zap.Uint("room_id", room.ID))
		return room, nil
	}

	return Room{}, newServiceError(opCreateRoom, "code_exhausted", errors.New("no unique room code available"))
}

func (d *Directory) findByCode(ctx context.Context, code string) (Room, error) {
	var room Room
	err := d.db.WithContext(ctx).Where("room_id = ?", code).Take(&room).Error
	return room, err
}

func (d *Directory) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(d.logger, "chat directory error", operation, reason, err, fields...)
}

// RandomRoomCode samples RoomCodeLength characters uniformly from the
// 62-character alphanumeric alphabet.
func RandomRoomCode() (string, error) {
	const alphabetSize = byte(len(roomCodeAlphabet))
	const rejectAbove = 255 - (255 % alphabetSize)

	code := make([]byte, 0, RoomCodeLength)
	buffer := make([]byte, RoomCodeLength*2)
	for len(code) < RoomCodeLength {
		if _, err := rand.Read(buffer); err != nil {
			return "", err
		}
		for _, value := range buffer {
			if value >= rejectAbove {
				continue
			}
			code = append(code, roomCodeAlphabet[value%alphabetSize])
			if len(code) == RoomCodeLength {
				break
			}
		}
	}
	return string(code), nil
}

func logServiceError(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
