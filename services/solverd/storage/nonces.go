package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"
)

// GetNonceReservation returns the cached last-issued nonce. Expired reservations are reported
// as absent.
func (s *Store) GetNonceReservation(ctx context.Context, network, address string) (uint64, bool, error) {
	var rows []NonceReservation
	err := s.db.WithContext(ctx).
		Where("network = ? AND address = ? AND expires_at > ?", normalise(network), strings.ToLower(address), s.clock()).
		Limit(1).Find(&rows).Error
	if err != nil {
		return 0, false, fmt.Errorf("load nonce reservation: %w", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Nonce, true, nil
}

// SaveNonceReservation stores the last-issued nonce with the given ttl.
func (s *Store) SaveNonceReservation(ctx context.Context, network, address string, nonce uint64, ttl time.Duration) error {
	now := s.clock()
	row := NonceReservation{
		Network:   normalise(network),
		Address:   strings.ToLower(address),
		Nonce:     nonce,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save nonce reservation: %w", err)
	}
	return nil
}
