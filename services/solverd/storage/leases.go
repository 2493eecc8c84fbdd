package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrLeaseHeld is returned when another owner holds an unexpired lease.
var ErrLeaseHeld = errors.New("storage: lease held by another owner")

// TryAcquireLease attempts to take the named lease for ttl. On success the returned release
// function drops the lease if it is still owned by this caller.
func (s *Store) TryAcquireLease(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	owner := uuid.NewString()
	now := s.clock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Lease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "name = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&Lease{Name: key, Owner: owner, ExpiresAt: now.Add(ttl)})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrLeaseHeld
			}
			return nil
		case err != nil:
			return err
		}
		res := tx.Model(&Lease{}).
			Where("name = ? AND owner = ? AND expires_at <= ?", key, existing.Owner, now).
			Updates(map[string]any{"owner": owner, "expires_at": now.Add(ttl)})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseHeld
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	release := func(ctx context.Context) error {
		return s.db.WithContext(ctx).Where("name = ? AND owner = ?", key, owner).Delete(&Lease{}).Error
	}
	return release, nil
}
