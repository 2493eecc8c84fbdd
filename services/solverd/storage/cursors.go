package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// GetCursor returns the last processed block for a network. ok is false when the network has
// never been scanned.
func (s *Store) GetCursor(ctx context.Context, network string) (block uint64, ok bool, err error) {
	var rows []BlockScanCursor
	if err := s.db.WithContext(ctx).Where("network = ?", normalise(network)).Limit(1).Find(&rows).Error; err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Block, true, nil
}

// SaveCursor stores the last processed block for a network.
func (s *Store) SaveCursor(ctx context.Context, network string, block uint64) error {
	row := BlockScanCursor{Network: normalise(network), Block: block, UpdatedAt: s.clock()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}},
		DoUpdates: clause.AssignmentColumns([]string{"block", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
