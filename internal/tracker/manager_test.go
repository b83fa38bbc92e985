package tracker

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"lpwatch/internal/position"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	factory = uniswapv2.Factory{
		Address:      uniswapv2.DefaultFactoryAddress,
		InitCodeHash: uniswapv2.DefaultInitCodeHash,
	}

	pairAB = factory.Pair(uniswapv2.NewTokenPair(
		common.HexToAddress("0x000000000000000000000000000000000000000a"),
		common.HexToAddress("0x000000000000000000000000000000000000000b"),
	))
	pairCD = factory.Pair(uniswapv2.NewTokenPair(
		common.HexToAddress("0x000000000000000000000000000000000000000c"),
		common.HexToAddress("0x000000000000000000000000000000000000000d"),
	))

	programX = common.HexToAddress("0x00000000000000000000000000000000000000f1")

	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func resolvedReserves(block uint64) position.ReserveSlot {
	return position.Resolved(position.Reserves{
		Reserve0:    big.NewInt(1000),
		Reserve1:    big.NewInt(2000),
		TotalSupply: big.NewInt(100),
		BlockNumber: block,
	})
}

// resolveAll feeds a complete set of results for req.
func resolveAll(t *testing.T, m *Manager, req Request) {
	t.Helper()

	require.True(t, m.ApplyBalances(req, position.Balances{
		pairAB.LiquidityToken: big.NewInt(5),
		pairCD.LiquidityToken: big.NewInt(0),
	}, nil))
	require.True(t, m.ApplyStakes(req, nil, nil))
	require.True(t, m.ApplyLegacy(req, false, nil))
	require.True(t, m.ApplyReserves(req, GroupPlainReserves,
		[]uniswapv2.Pair{pairAB}, []position.ReserveSlot{resolvedReserves(10)}, nil))
}

func newConnected(t *testing.T) *Manager {
	t.Helper()

	m := NewManager(nil)
	t.Cleanup(m.Close)
	m.SetTrackedPairs([]uniswapv2.Pair{pairAB, pairCD})
	m.SetAccount(&alice)
	return m
}

func TestManagerStartsDisconnected(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	require.Equal(t, position.StatusNotConnected, m.View().Status)

	_, ok := m.Begin()
	require.False(t, ok)
}

func TestManagerResolvesView(t *testing.T) {
	m := newConnected(t)
	require.Equal(t, position.StatusLoading, m.View().Status)

	req, ok := m.Begin()
	require.True(t, ok)
	require.Equal(t, alice, req.Account)
	require.Equal(t, m.Generation(), req.Generation)
	require.Len(t, req.Pairs, 2)

	resolveAll(t, m, req)

	v := m.View()
	require.Equal(t, position.StatusPositions, v.Status)
	require.Len(t, v.Positions, 1)
	require.Equal(t, pairAB, v.Positions[0].Pair)
}

func TestManagerDiscardsStaleResults(t *testing.T) {
	m := newConnected(t)

	req, ok := m.Begin()
	require.True(t, ok)

	require.True(t, m.SetAccount(&bob))

	require.False(t, m.ApplyBalances(req, position.Balances{pairAB.LiquidityToken: big.NewInt(5)}, nil))
	require.False(t, m.ApplyStakes(req, nil, nil))
	require.False(t, m.ApplyReserves(req, GroupPlainReserves,
		[]uniswapv2.Pair{pairAB}, []position.ReserveSlot{resolvedReserves(1)}, nil))

	v := m.View()
	require.Equal(t, position.StatusLoading, v.Status)
	require.Equal(t, bob.Hex(), v.Account)
}

func TestManagerLoadingStaysResolvedAcrossRefresh(t *testing.T) {
	m := newConnected(t)

	req, _ := m.Begin()
	resolveAll(t, m, req)
	require.Equal(t, position.StatusPositions, m.View().Status)

	next, ok := m.Begin()
	require.True(t, ok)
	require.Greater(t, next.Seq, req.Seq)
	require.Equal(t, position.StatusPositions, m.View().Status, "refresh must not flip back to loading")

	// an older sequence cannot overwrite newer balances
	require.True(t, m.ApplyBalances(next, position.Balances{pairAB.LiquidityToken: big.NewInt(9)}, nil))
	require.True(t, m.ApplyBalances(req, position.Balances{pairAB.LiquidityToken: big.NewInt(1)}, nil))
	require.Equal(t, big.NewInt(9), m.View().Positions[0].Balance)
}

func TestManagerPairSetChangeStartsGeneration(t *testing.T) {
	m := newConnected(t)
	gen := m.Generation()

	require.False(t, m.SetTrackedPairs([]uniswapv2.Pair{pairAB, pairCD}))
	require.Equal(t, gen, m.Generation())

	require.True(t, m.SetTrackedPairs([]uniswapv2.Pair{pairAB}))
	require.Equal(t, gen+1, m.Generation())
	require.Equal(t, position.StatusLoading, m.View().Status)
}

func TestManagerSelectBumpsOnce(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	require.True(t, m.Select(&alice, []uniswapv2.Pair{pairAB}))
	require.Equal(t, uint64(1), m.Generation())
	require.Equal(t, alice, *m.Account())

	require.False(t, m.Select(&alice, []uniswapv2.Pair{pairAB}))
	require.Equal(t, uint64(1), m.Generation())

	require.True(t, m.Select(nil, []uniswapv2.Pair{pairAB}))
	require.Equal(t, uint64(2), m.Generation())
	require.Equal(t, position.StatusNotConnected, m.View().Status)
}

func TestManagerStakedPosition(t *testing.T) {
	m := newConnected(t)
	req, _ := m.Begin()

	require.True(t, m.ApplyBalances(req, position.Balances{
		pairAB.LiquidityToken: big.NewInt(5),
		pairCD.LiquidityToken: big.NewInt(0),
	}, nil))
	require.True(t, m.ApplyStakes(req, []position.StakePosition{
		{Pair: pairAB, StakingContract: programX, Staked: big.NewInt(10)},
	}, nil))
	require.True(t, m.ApplyReserves(req, GroupPlainReserves,
		[]uniswapv2.Pair{pairAB}, []position.ReserveSlot{resolvedReserves(10)}, nil))

	v := m.View()
	require.Equal(t, position.StatusPositions, v.Status)
	require.Len(t, v.Positions, 1)
	require.True(t, v.Positions[0].IsStaked())
	require.Equal(t, big.NewInt(10), v.Positions[0].Staked)

	require.Contains(t, m.LiquidityTokens(), strings.ToLower(pairAB.LiquidityToken.Hex()))
}

func TestManagerStakedOnlyWaitsForReserves(t *testing.T) {
	m := newConnected(t)
	req, _ := m.Begin()

	require.True(t, m.ApplyBalances(req, position.Balances{
		pairAB.LiquidityToken: big.NewInt(0),
		pairCD.LiquidityToken: big.NewInt(0),
	}, nil))
	require.True(t, m.ApplyLegacy(req, false, nil))
	require.True(t, m.ApplyStakes(req, []position.StakePosition{
		{Pair: pairAB, StakingContract: programX, Staked: big.NewInt(10)},
	}, nil))

	v := m.View()
	require.Equal(t, position.StatusLoading, v.Status)
	require.Empty(t, v.Positions)

	require.True(t, m.ApplyReserves(req, GroupStakedReserves, nil, nil, errors.New("rpc down")))

	v = m.View()
	require.Equal(t, position.StatusLoading, v.Status)
	require.Equal(t, []string{"staked_reserves: rpc down"}, v.Errors)

	require.True(t, m.ApplyReserves(req, GroupStakedReserves,
		[]uniswapv2.Pair{pairAB}, []position.ReserveSlot{resolvedReserves(10)}, nil))

	v = m.View()
	require.Equal(t, position.StatusPositions, v.Status)
	require.Empty(t, v.Errors)
	require.Len(t, v.Positions, 1)
	require.True(t, v.Positions[0].IsStaked())
}

func TestManagerFetchErrorsSurface(t *testing.T) {
	m := newConnected(t)
	req, _ := m.Begin()

	require.True(t, m.ApplyBalances(req, nil, errors.New("rpc down")))

	v := m.View()
	require.Equal(t, position.StatusLoading, v.Status)
	require.Equal(t, []string{"balances: rpc down"}, v.Errors)

	resolveAll(t, m, req)
	require.Empty(t, m.View().Errors)
}

func TestManagerProcessUpdate(t *testing.T) {
	m := newConnected(t)
	req, _ := m.Begin()
	resolveAll(t, m, req)

	applied := m.ProcessUpdate(ReserveUpdate{
		PoolAddress: pairAB.LiquidityToken,
		Reserve0:    big.NewInt(3000),
		Reserve1:    big.NewInt(4000),
		BlockNumber: 11,
	})
	require.True(t, applied)

	res := m.View().Positions[0].Reserves
	require.Equal(t, big.NewInt(3000), res.Reserve0)
	require.Equal(t, big.NewInt(4000), res.Reserve1)
	require.Equal(t, big.NewInt(100), res.TotalSupply)

	// older block and unknown pools are ignored
	require.False(t, m.ProcessUpdate(ReserveUpdate{
		PoolAddress: pairAB.LiquidityToken,
		Reserve0:    big.NewInt(1),
		Reserve1:    big.NewInt(1),
		BlockNumber: 5,
	}))
	require.False(t, m.ProcessUpdate(ReserveUpdate{
		PoolAddress: pairCD.LiquidityToken,
		Reserve0:    big.NewInt(1),
		Reserve1:    big.NewInt(1),
		BlockNumber: 12,
	}))
}

func TestManagerRefreshKeepsNewerSyncReserves(t *testing.T) {
	m := newConnected(t)
	req, _ := m.Begin()
	resolveAll(t, m, req)

	next, ok := m.Begin()
	require.True(t, ok)

	require.True(t, m.ProcessUpdate(ReserveUpdate{
		PoolAddress: pairAB.LiquidityToken,
		Reserve0:    big.NewInt(3000),
		Reserve1:    big.NewInt(4000),
		BlockNumber: 11,
	}))

	// the refresh read block 10, before the Sync landed
	require.True(t, m.ApplyReserves(next, GroupPlainReserves,
		[]uniswapv2.Pair{pairAB}, []position.ReserveSlot{resolvedReserves(10)}, nil))

	res := m.View().Positions[0].Reserves
	require.Equal(t, big.NewInt(3000), res.Reserve0)
	require.Equal(t, uint64(11), res.BlockNumber)

	later, _ := m.Begin()
	require.True(t, m.ApplyReserves(later, GroupPlainReserves,
		[]uniswapv2.Pair{pairAB}, []position.ReserveSlot{resolvedReserves(12)}, nil))

	res = m.View().Positions[0].Reserves
	require.Equal(t, big.NewInt(1000), res.Reserve0)
	require.Equal(t, uint64(12), res.BlockNumber)
}

func TestManagerViewsKeepsLatest(t *testing.T) {
	m := newConnected(t)
	req, _ := m.Begin()
	resolveAll(t, m, req)

	v := <-m.Views()
	require.Equal(t, position.StatusPositions, v.Status)

	select {
	case extra := <-m.Views():
		t.Fatalf("unexpected extra view: %v", extra.Status)
	default:
	}
}
