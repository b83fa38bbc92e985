package position

import (
	"math/big"

	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the presentation state of a View.
type Status string

const (
	StatusNotConnected Status = "not_connected"
	StatusLoading      Status = "loading"
	StatusEmpty        Status = "empty"
	StatusPositions    Status = "positions"
)

const (
	RouteMigrate = "/migrate/v1"
	RouteImport  = "/find"
)

// Migration is the link shown below the position list.
type Migration struct {
	Legacy bool
	Route  string
	Label  string
}

// MigrationLink picks the migration or import link.
func MigrationLink(hasLegacy bool) Migration {
	if hasLegacy {
		return Migration{Legacy: true, Route: RouteMigrate, Label: "Migrate now."}
	}
	return Migration{Route: RouteImport, Label: "Import it."}
}

// View is the reconciled output for one account.
type View struct {
	Status     Status
	Account    string
	Generation uint64
	Positions  []DisplayPosition
	Migration  Migration
	Errors     []string
}

// Snapshot is the current value of every input to the reconciliation.
type Snapshot struct {
	// Account is nil when no wallet is connected.
	Account    *common.Address
	Generation uint64

	Tracked          []uniswapv2.Pair
	BalancesInFlight bool
	Balances         Balances

	// Reserves by canonical pair key.
	Reserves map[string]ReserveSlot

	StakesInFlight bool
	Stakes         []StakePosition

	HasLegacy bool
	Errors    []string
}

// Reconcile derives the view from a snapshot. It is a pure function: equal
// snapshots always produce equal views.
func Reconcile(s Snapshot) View {
	migration := MigrationLink(s.HasLegacy)
	if s.Account == nil {
		return View{Status: StatusNotConnected, Migration: migration}
	}

	v := View{
		Account:    s.Account.Hex(),
		Generation: s.Generation,
		Migration:  migration,
		Errors:     s.Errors,
	}

	withBalance := NarrowByBalance(s.Tracked, s.Balances)
	plainSlots := FanOut(withBalance, s.Reserves)

	staked := StakedWithBalance(s.Stakes)
	stakedSlots := FanOut(stakePairs(staked), s.Reserves)

	if PlainLoading(s.BalancesInFlight, len(withBalance), plainSlots) || s.StakesInFlight {
		v.Status = StatusLoading
		return v
	}

	plain := make([]DisplayPosition, 0, len(withBalance))
	for i, p := range withBalance {
		if plainSlots[i].State != SlotResolved {
			continue
		}
		plain = append(plain, DisplayPosition{
			Pair:     p,
			Reserves: plainSlots[i].Reserves,
			Balance:  s.Balances[p.LiquidityToken],
		})
	}

	v.Positions = Dedup(plain, staked, stakedSlots)
	switch {
	case len(v.Positions) > 0:
		v.Status = StatusPositions
	case StakedLoading(stakedSlots):
		// a positive stake exists, so the account is not empty
		v.Status = StatusLoading
	default:
		v.Status = StatusEmpty
	}
	return v
}

// NarrowByBalance keeps the pairs whose LP balance is loaded and positive,
// preserving registry order.
func NarrowByBalance(pairs []uniswapv2.Pair, balances Balances) []uniswapv2.Pair {
	out := make([]uniswapv2.Pair, 0, len(pairs))
	for _, p := range pairs {
		if b, ok := balances[p.LiquidityToken]; ok && b != nil && b.Sign() > 0 {
			out = append(out, p)
		}
	}
	return out
}

// FanOut returns one slot per requested pair, aligned by index. Pairs with no
// known reserves get a pending slot.
func FanOut(pairs []uniswapv2.Pair, known map[string]ReserveSlot) []ReserveSlot {
	slots := make([]ReserveSlot, len(pairs))
	for i, p := range pairs {
		if slot, ok := known[p.Key()]; ok {
			slots[i] = slot
		} else {
			slots[i] = Pending()
		}
	}
	return slots
}

// PlainLoading reports whether the plain positions are still loading. A short
// result set counts the same as an explicit pending slot.
func PlainLoading(balancesInFlight bool, requested int, slots []ReserveSlot) bool {
	if balancesInFlight || len(slots) < requested {
		return true
	}
	for _, s := range slots {
		if s.State == SlotPending {
			return true
		}
	}
	return false
}

// StakedLoading reports whether any staked position still waits for its
// reserves.
func StakedLoading(slots []ReserveSlot) bool {
	for _, s := range slots {
		if s.State == SlotPending {
			return true
		}
	}
	return false
}

// StakedWithBalance keeps stakes with a positive amount, preserving order.
func StakedWithBalance(stakes []StakePosition) []StakePosition {
	out := make([]StakePosition, 0, len(stakes))
	for _, s := range stakes {
		if s.Staked != nil && s.Staked.Sign() > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Dedup merges plain and staked positions. A plain position is dropped when
// any stake shares its LP token; its wallet balance moves to the first staked
// position for that token. Staked positions whose reserves are not resolved
// are skipped. Plain positions come first, then staked ones in stake order.
func Dedup(plain []DisplayPosition, stakes []StakePosition, stakedSlots []ReserveSlot) []DisplayPosition {
	stakedTokens := make(map[common.Address]struct{}, len(stakes))
	for _, s := range stakes {
		stakedTokens[s.Pair.LiquidityToken] = struct{}{}
	}

	out := make([]DisplayPosition, 0, len(plain)+len(stakes))
	walletBalance := make(map[common.Address]*big.Int)
	plainSeen := make(map[common.Address]struct{}, len(plain))
	for _, p := range plain {
		if _, dup := plainSeen[p.Pair.LiquidityToken]; dup {
			continue
		}
		plainSeen[p.Pair.LiquidityToken] = struct{}{}

		if _, ok := stakedTokens[p.Pair.LiquidityToken]; ok {
			walletBalance[p.Pair.LiquidityToken] = p.Balance
			continue
		}
		out = append(out, p)
	}

	seen := make(map[common.Address]struct{}, len(stakes))
	for i, s := range stakes {
		if i >= len(stakedSlots) || stakedSlots[i].State != SlotResolved {
			continue
		}
		if _, dup := seen[s.StakingContract]; dup {
			continue
		}
		seen[s.StakingContract] = struct{}{}

		contract := s.StakingContract
		pos := DisplayPosition{
			Pair:            s.Pair,
			Reserves:        stakedSlots[i].Reserves,
			Staked:          s.Staked,
			StakingContract: &contract,
		}
		if b, ok := walletBalance[s.Pair.LiquidityToken]; ok {
			pos.Balance = b
			delete(walletBalance, s.Pair.LiquidityToken)
		}
		out = append(out, pos)
	}
	return out
}

func stakePairs(stakes []StakePosition) []uniswapv2.Pair {
	pairs := make([]uniswapv2.Pair, len(stakes))
	for i, s := range stakes {
		pairs[i] = s.Pair
	}
	return pairs
}
