package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for identity recording.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records the profile snapshot carried by session claims.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// RecordIdentity upserts the profile for the claims' user id. Empty profile
// fields in the claims never overwrite values recorded earlier.
func (s *Service) RecordIdentity(ctx context.Context, claims auth.SessionClaims) (Identity, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}

	identity := Identity{
		UserID:      userID,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  s.now().UTC(),
	}

	updates := clause.Set{{Column: clause.Column{Name: "last_seen_at"}, Value: identity.LastSeenAt}}
	if identity.Email != "" {
		updates = append(updates, clause.Assignment{Column: clause.Column{Name: "user_email"}, Value: identity.Email})
	}
	if identity.DisplayName != "" {
		updates = append(updates, clause.Assignment{Column: clause.Column{Name: "user_display_name"}, Value: identity.DisplayName})
	}
	if identity.AvatarURL != "" {
		updates = append(updates, clause.Assignment{Column: clause.Column{Name: "user_avatar_url"}, Value: identity.AvatarURL})
	}

	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: updates,
	}).Create(&identity).Error
	if err != nil {
		s.logger.Error("identity upsert failed", zap.String("user_id", userID), zap.Error(err))
		return Identity{}, err
	}

	var stored Identity
	if err := db.Where("user_id = ?", userID).Take(&stored).Error; err != nil {
		return Identity{}, err
	}
	return stored, nil
}
