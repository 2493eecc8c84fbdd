package storage

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog is the network, token and route metadata loaded from configuration.
type Catalog struct {
	Networks []Network
	Tokens   []Token
	Routes   []Route
}

// SeedCatalog upserts the supplied catalog. Networks and routes missing from it are
// deactivated rather than deleted.
func (s *Store) SeedCatalog(ctx context.Context, catalog Catalog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		names := make([]string, 0, len(catalog.Networks))
		for i := range catalog.Networks {
			n := catalog.Networks[i]
			n.Name = normalise(n.Name)
			n.Active = true
			names = append(names, n.Name)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"type", "chain_id", "native_token", "solver_address", "signer_agent_url", "scan", "active", "updated_at"}),
			}).Create(&n).Error; err != nil {
				return fmt.Errorf("seed network %s: %w", n.Name, err)
			}
		}
		deactivate := tx.Model(&Network{})
		if len(names) > 0 {
			deactivate = deactivate.Where("name NOT IN ?", names)
		}
		if err := deactivate.Update("active", false).Error; err != nil {
			return fmt.Errorf("deactivate networks: %w", err)
		}

		for i := range catalog.Tokens {
			t := catalog.Tokens[i]
			t.Network = normalise(t.Network)
			t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "network"}, {Name: "symbol"}},
				DoUpdates: clause.AssignmentColumns([]string{"contract", "decimals", "price_usd", "updated_at"}),
			}).Create(&t).Error; err != nil {
				return fmt.Errorf("seed token %s/%s: %w", t.Network, t.Symbol, err)
			}
		}

		if err := tx.Model(&Route{}).Where("1 = 1").Update("active", false).Error; err != nil {
			return fmt.Errorf("deactivate routes: %w", err)
		}
		for i := range catalog.Routes {
			r := catalog.Routes[i]
			r.SourceNetwork = normalise(r.SourceNetwork)
			r.DestinationNetwork = normalise(r.DestinationNetwork)
			r.SourceToken = strings.ToUpper(strings.TrimSpace(r.SourceToken))
			r.DestinationToken = strings.ToUpper(strings.TrimSpace(r.DestinationToken))
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "source_network"}, {Name: "source_token"}, {Name: "destination_network"}, {Name: "destination_token"}},
				DoUpdates: clause.AssignmentColumns([]string{"min_amount", "max_amount", "rate", "service_fee_bps", "active", "updated_at"}),
			}).Create(&r).Error; err != nil {
				return fmt.Errorf("seed route: %w", err)
			}
		}
		return nil
	})
}

// GetNetwork loads a network by name.
func (s *Store) GetNetwork(ctx context.Context, name string) (*Network, error) {
	var n Network
	if err := s.db.WithContext(ctx).First(&n, "name = ?", normalise(name)).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

// ActiveNetworks lists active networks; when scanOnly is set only networks flagged for
// scanning are returned.
func (s *Store) ActiveNetworks(ctx context.Context, scanOnly bool) ([]Network, error) {
	var out []Network
	q := s.db.WithContext(ctx).Where("active = ?", true)
	if scanOnly {
		q = q.Where("scan = ?", true)
	}
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetToken loads a token by network and symbol.
func (s *Store) GetToken(ctx context.Context, network, symbol string) (*Token, error) {
	var t Token
	err := s.db.WithContext(ctx).
		First(&t, "network = ? AND symbol = ?", normalise(network), strings.ToUpper(strings.TrimSpace(symbol))).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindTokenByContract resolves a token from its on-chain contract address. Native assets
// are matched by an empty contract.
func (s *Store) FindTokenByContract(ctx context.Context, network, contract string) (*Token, error) {
	var t Token
	err := s.db.WithContext(ctx).
		First(&t, "network = ? AND LOWER(contract) = ?", normalise(network), strings.ToLower(strings.TrimSpace(contract))).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindTokenBySymbol resolves a token by symbol on any network.
func (s *Store) FindTokenBySymbol(ctx context.Context, symbol string) (*Token, error) {
	var t Token
	if err := s.db.WithContext(ctx).First(&t, "symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindActiveRoute loads the active route for a pair.
func (s *Store) FindActiveRoute(ctx context.Context, srcNetwork, srcToken, dstNetwork, dstToken string) (*Route, error) {
	var r Route
	err := s.db.WithContext(ctx).First(&r,
		"source_network = ? AND source_token = ? AND destination_network = ? AND destination_token = ? AND active = ?",
		normalise(srcNetwork), strings.ToUpper(strings.TrimSpace(srcToken)),
		normalise(dstNetwork), strings.ToUpper(strings.TrimSpace(dstToken)), true).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
