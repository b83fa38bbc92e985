package position

import (
	"math/big"

	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Balances maps LP token address to the account's balance. A missing entry
// means the balance has not been loaded; a zero entry means it was loaded and
// is empty.
type Balances map[common.Address]*big.Int

// Reserves is a resolved snapshot of a pair's pooled amounts.
type Reserves struct {
	Reserve0    *big.Int
	Reserve1    *big.Int
	TotalSupply *big.Int
	BlockNumber uint64
}

// SlotState is the resolution state of one fan-out entry.
type SlotState uint8

const (
	SlotPending SlotState = iota
	SlotResolved
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotResolved:
		return "resolved"
	case SlotFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReserveSlot is one position in a reserve fan-out result.
type ReserveSlot struct {
	State    SlotState
	Reserves Reserves
}

// Pending returns an unresolved slot.
func Pending() ReserveSlot {
	return ReserveSlot{State: SlotPending}
}

// Resolved returns a slot holding r.
func Resolved(r Reserves) ReserveSlot {
	return ReserveSlot{State: SlotResolved, Reserves: r}
}

// Failed returns a slot for a pair whose reserves could not be read.
func Failed() ReserveSlot {
	return ReserveSlot{State: SlotFailed}
}

// StakePosition is the account's stake in one reward program.
type StakePosition struct {
	Pair            uniswapv2.Pair
	StakingContract common.Address
	Staked          *big.Int
}

// DisplayPosition is a fully resolved position ready for presentation.
// Staked is nil for plain positions.
type DisplayPosition struct {
	Pair            uniswapv2.Pair
	Reserves        Reserves
	Balance         *big.Int
	Staked          *big.Int
	StakingContract *common.Address
}

// IsStaked reports whether the position lives in a reward program.
func (p DisplayPosition) IsStaked() bool {
	return p.Staked != nil
}

// Key uniquely identifies the position within a list: the staking contract
// for staked positions, the LP token otherwise.
func (p DisplayPosition) Key() string {
	if p.StakingContract != nil {
		return p.StakingContract.Hex()
	}
	return p.Pair.LiquidityToken.Hex()
}

// Owned is the LP amount attributed to the position: the wallet balance plus
// the staked amount.
func (p DisplayPosition) Owned() *big.Int {
	owned := new(big.Int)
	if p.Balance != nil {
		owned.Add(owned, p.Balance)
	}
	if p.Staked != nil {
		owned.Add(owned, p.Staked)
	}
	return owned
}

// Pooled returns the account's share of each pooled token.
func (p DisplayPosition) Pooled() (amount0, amount1 *big.Int) {
	supply := p.Reserves.TotalSupply
	if supply == nil || supply.Sign() == 0 || p.Reserves.Reserve0 == nil || p.Reserves.Reserve1 == nil {
		return new(big.Int), new(big.Int)
	}
	owned := p.Owned()
	amount0 = new(big.Int).Div(new(big.Int).Mul(owned, p.Reserves.Reserve0), supply)
	amount1 = new(big.Int).Div(new(big.Int).Mul(owned, p.Reserves.Reserve1), supply)
	return amount0, amount1
}

// PoolShare returns the position's share of the pool as a percentage.
func (p DisplayPosition) PoolShare() decimal.Decimal {
	supply := p.Reserves.TotalSupply
	if supply == nil || supply.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(p.Owned(), 0).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromBigInt(supply, 0), 4)
}
