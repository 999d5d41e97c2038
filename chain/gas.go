package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"loanbridge/models"
)

// ErrGasCeiling indicates a gas estimate above the per-action-type ceiling.
// The submission is aborted and the action dead-letters.
var ErrGasCeiling = errors.New("chain: gas estimate exceeds ceiling")

// Fee bump and buffer ratios. The bump multiplier sits well above the 10%
// replacement minimum enforced by the mempool.
const (
	bumpNumerator     = 13
	bumpDenominator   = 10
	bufferNumerator   = 12
	bufferDenominator = 10
)

// DefaultGasCeilings bounds the estimate accepted per action type.
var DefaultGasCeilings = map[models.ActionType]uint64{
	models.ActionCreateLoan:         3_000_000,
	models.ActionFundLoan:           300_000,
	models.ActionActivateLoan:       200_000,
	models.ActionRecordDisbursement: 250_000,
	models.ActionRepay:              300_000,
	models.ActionRecordRepayment:    250_000,
	models.ActionConfigureSchedule:  500_000,
}

// FeeQuote carries either EIP-1559 caps or a legacy gas price, never both.
type FeeQuote struct {
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasPrice  *big.Int
}

// Dynamic reports whether the quote uses EIP-1559 fields.
func (q FeeQuote) Dynamic() bool {
	return q.GasTipCap != nil && q.GasFeeCap != nil
}

// FeeReader is the subset of the RPC the strategy needs.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasStrategy prices submissions and bounds their gas limits.
type GasStrategy struct {
	client   FeeReader
	ceilings map[models.ActionType]uint64
}

// NewGasStrategy builds a strategy. A nil ceilings map falls back to the
// defaults.
func NewGasStrategy(client FeeReader, ceilings map[models.ActionType]uint64) *GasStrategy {
	if ceilings == nil {
		ceilings = DefaultGasCeilings
	}
	return &GasStrategy{client: client, ceilings: ceilings}
}

// EstimateFees prefers EIP-1559 pricing and falls back to a legacy gas price
// when the chain does not expose a base fee.
func (g *GasStrategy) EstimateFees(ctx context.Context) (FeeQuote, error) {
	tip, tipErr := g.client.SuggestGasTipCap(ctx)
	header, headErr := g.client.HeaderByNumber(ctx, nil)
	if tipErr == nil && headErr == nil && header != nil && header.BaseFee != nil {
		// feeCap = 2*baseFee + tip absorbs two consecutive full base fee
		// increases while the transaction waits in the pool.
		feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return FeeQuote{GasTipCap: tip, GasFeeCap: feeCap}, nil
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return FeeQuote{GasPrice: price}, nil
}

// BumpFees raises every populated field by 30% for replace-by-fee.
func BumpFees(q FeeQuote) FeeQuote {
	bumped := FeeQuote{}
	if q.GasTipCap != nil {
		bumped.GasTipCap = mulDiv(q.GasTipCap, bumpNumerator, bumpDenominator)
	}
	if q.GasFeeCap != nil {
		bumped.GasFeeCap = mulDiv(q.GasFeeCap, bumpNumerator, bumpDenominator)
	}
	if q.GasPrice != nil {
		bumped.GasPrice = mulDiv(q.GasPrice, bumpNumerator, bumpDenominator)
	}
	return bumped
}

// EstimateGasLimit returns the provider estimate with a 20% buffer.
func (g *GasStrategy) EstimateGasLimit(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	estimate, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas: %w", err)
	}
	return estimate * bufferNumerator / bufferDenominator, nil
}

// CheckCeiling rejects estimates above the per-type ceiling.
func (g *GasStrategy) CheckCeiling(t models.ActionType, limit uint64) error {
	ceiling, ok := g.ceilings[t]
	if !ok || ceiling == 0 {
		return nil
	}
	if limit > ceiling {
		return fmt.Errorf("%w: %s limit %d > ceiling %d", ErrGasCeiling, t, limit, ceiling)
	}
	return nil
}

func mulDiv(v *big.Int, num, den int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(num))
	return out.Div(out, big.NewInt(den))
}
