package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies of the collaborator directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records collaborators and resolves their display names.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch records that identity is active and keeps the newest non-empty display name.
func (s *Service) Touch(ctx context.Context, identity auth.Identity) (Collaborator, error) {
	userID := normalize(identity.UserID)
	if userID == "" {
		return Collaborator{}, ErrInvalidIdentity
	}
	displayName := normalize(identity.DisplayName)
	now := s.now().UTC()

	collaborator := Collaborator{UserID: userID, DisplayName: displayName, LastSeenAt: now}
	updates := []string{"last_seen_at", "updated_at"}
	if displayName != "" {
		updates = append(updates, "display_name")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(&collaborator).
		Error
	if err != nil {
		return Collaborator{}, err
	}

	var stored Collaborator
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stored).Error; err != nil {
		return Collaborator{}, err
	}
	s.cache.Store(userID, stored.DisplayName)
	return stored, nil
}

// DisplayName returns the known display name of userID, or userID when none is recorded.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	userID = normalize(userID)
	if cached, ok := s.cache.Load(userID); ok {
		if name, ok := cached.(string); ok && name != "" {
			return name
		}
	}
	var stored Collaborator
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stored).Error
	if err != nil || stored.DisplayName == "" {
		return userID
	}
	s.cache.Store(userID, stored.DisplayName)
	return stored.DisplayName
}

// List returns every recorded collaborator ordered by display name.
func (s *Service) List(ctx context.Context) ([]Collaborator, error) {
	var collaborators []Collaborator
	err := s.db.WithContext(ctx).Order("display_name ASC").Order("user_id ASC").Find(&collaborators).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return collaborators, err
}
