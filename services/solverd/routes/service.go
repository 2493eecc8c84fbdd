// Package routes answers route limit and quote queries from the seeded catalog and the rolling
// fee-expense averages.
package routes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/storage"
)

var (
	// ErrRouteNotFound is returned when no active route covers the pair.
	ErrRouteNotFound = errors.New("routes: route not found")
	// ErrNetworkNotFound is returned when a route references an unknown or inactive network.
	ErrNetworkNotFound = errors.New("routes: network not configured")
	// ErrTokenNotFound is returned when a route references an unknown token.
	ErrTokenNotFound = errors.New("routes: token not configured")
	// ErrInvalidAmount is returned for non-positive quote amounts.
	ErrInvalidAmount = errors.New("routes: amount must be positive")
)

var tenThousand = decimal.NewFromInt(10_000)

// Catalog is the read side of the persisted network, token, route and expense metadata.
type Catalog interface {
	FindActiveRoute(ctx context.Context, srcNetwork, srcToken, dstNetwork, dstToken string) (*storage.Route, error)
	GetNetwork(ctx context.Context, name string) (*storage.Network, error)
	GetToken(ctx context.Context, network, symbol string) (*storage.Token, error)
	GetFeeExpense(ctx context.Context, paidToken, feeToken, txType string) (*storage.FeeExpense, error)
}

// RouteKey identifies a swap direction.
type RouteKey struct {
	SourceNetwork      string
	SourceToken        string
	DestinationNetwork string
	DestinationToken   string
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%s:%s->%s:%s", k.SourceNetwork, k.SourceToken, k.DestinationNetwork, k.DestinationToken)
}

// Limit bounds the source amount accepted on a route.
type Limit struct {
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// QuoteRequest prices Amount of the source token.
type QuoteRequest struct {
	RouteKey
	Amount decimal.Decimal
}

// Quote is the destination amount offered for a source amount.
type Quote struct {
	ReceiveAmount            decimal.Decimal
	TotalFee                 decimal.Decimal
	SourceSolverAddress      string
	DestinationSolverAddress string
	SourceSignerAgent        string
	DestinationSignerAgent   string
}

// Service implements limit and quote lookups.
type Service struct {
	catalog Catalog
}

// New constructs a Service.
func New(catalog Catalog) *Service {
	return &Service{catalog: catalog}
}

// GetLimit returns the configured bounds of an active route.
func (s *Service) GetLimit(ctx context.Context, key RouteKey) (Limit, error) {
	route, err := s.route(ctx, key)
	if err != nil {
		return Limit{}, err
	}
	return Limit{MinAmount: route.MinAmount, MaxAmount: route.MaxAmount}, nil
}

// GetQuote prices a swap. The receive amount is amount × rate minus the service fee and the
// tracked cost of the destination lock, the destination redeem and the source redeem, all
// expressed in the destination token. It is clamped at zero; callers reject non-positive
// results.
func (s *Service) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if !req.Amount.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	route, err := s.route(ctx, req.RouteKey)
	if err != nil {
		return Quote{}, err
	}
	srcNet, err := s.network(ctx, route.SourceNetwork)
	if err != nil {
		return Quote{}, err
	}
	dstNet, err := s.network(ctx, route.DestinationNetwork)
	if err != nil {
		return Quote{}, err
	}
	dstToken, err := s.token(ctx, route.DestinationNetwork, route.DestinationToken)
	if err != nil {
		return Quote{}, err
	}
	if _, err := s.token(ctx, route.SourceNetwork, route.SourceToken); err != nil {
		return Quote{}, err
	}

	gross := req.Amount.Mul(route.Rate)
	fee := gross.Mul(decimal.NewFromInt(route.ServiceFeeBps)).Div(tenThousand)

	lockCost, err := s.expense(ctx, route.DestinationToken, dstNet.NativeToken, chain.TxHTLCLock)
	if err != nil {
		return Quote{}, err
	}
	dstRedeem, err := s.expense(ctx, route.DestinationToken, dstNet.NativeToken, chain.TxHTLCRedeem)
	if err != nil {
		return Quote{}, err
	}
	srcRedeem, err := s.expense(ctx, route.SourceToken, srcNet.NativeToken, chain.TxHTLCRedeem)
	if err != nil {
		return Quote{}, err
	}
	// source redeem is paid in source token units
	fee = fee.Add(lockCost).Add(dstRedeem).Add(srcRedeem.Mul(route.Rate))

	places := dstToken.Decimals
	fee = fee.RoundUp(places)
	receive := gross.Sub(fee).RoundDown(places)
	if receive.IsNegative() {
		receive = decimal.Zero
	}
	return Quote{
		ReceiveAmount:            receive,
		TotalFee:                 fee,
		SourceSolverAddress:      srcNet.SolverAddress,
		DestinationSolverAddress: dstNet.SolverAddress,
		SourceSignerAgent:        srcNet.SignerAgentURL,
		DestinationSignerAgent:   dstNet.SignerAgentURL,
	}, nil
}

func (s *Service) route(ctx context.Context, key RouteKey) (*storage.Route, error) {
	route, err := s.catalog.FindActiveRoute(ctx, key.SourceNetwork, key.SourceToken, key.DestinationNetwork, key.DestinationToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load route %s: %w", key, err)
	}
	return route, nil
}

func (s *Service) network(ctx context.Context, name string) (*storage.Network, error) {
	n, err := s.catalog.GetNetwork(ctx, name)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !n.Active) {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load network %s: %w", name, err)
	}
	return n, nil
}

func (s *Service) token(ctx context.Context, network, symbol string) (*storage.Token, error) {
	t, err := s.catalog.GetToken(ctx, network, symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrTokenNotFound, network, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s/%s: %w", network, symbol, err)
	}
	return t, nil
}

func (s *Service) expense(ctx context.Context, paidToken, feeToken string, txType chain.TransactionType) (decimal.Decimal, error) {
	if strings.TrimSpace(feeToken) == "" {
		return decimal.Zero, nil
	}
	fe, err := s.catalog.GetFeeExpense(ctx, paidToken, feeToken, string(txType))
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load %s expense: %w", txType, err)
	}
	return fe.Average, nil
}
