// services/users.go
package services

import (
	"context"
	"errors"
	"fmt"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"gorm.io/gorm"
)

// Directory resolves player ids to display names.
type Directory interface {
	PlayerName(ctx context.Context, playerID int) (string, error)
	PlayerNames(ctx context.Context, playerIDs []int) (map[int]string, error)
}

// DirectoryService reads the player table owned by the player service.
type DirectoryService struct {
	DB *gorm.DB
}

func NewDirectoryService(db *gorm.DB) *DirectoryService {
	return &DirectoryService{DB: db}
}

// PlayerName returns NotFound for ids with no player row.
func (s *DirectoryService) PlayerName(ctx context.Context, playerID int) (string, error) {
	var player models.Player
	err := s.DB.WithContext(ctx).
		Select("player_id", "player_name").
		Where("player_id = ?", playerID).
		First(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", utils.NotFound("player %d doesn't exist", playerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up player %d: %w", playerID, err)
	}
	return player.PlayerName, nil
}

// PlayerNames looks up many players at once. Unknown ids are left out.
func (s *DirectoryService) PlayerNames(ctx context.Context, playerIDs []int) (map[int]string, error) {
	names := make(map[int]string, len(playerIDs))
	if len(playerIDs) == 0 {
		return names, nil
	}

	var players []models.Player
	err := s.DB.WithContext(ctx).
		Select("player_id", "player_name").
		Where("player_id IN ?", playerIDs).
		Find(&players).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up players: %w", err)
	}
	for _, p := range players {
		names[p.PlayerID] = p.PlayerName
	}
	return names, nil
}
