package uniswapv2

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func TestNewTokenPairIsCanonical(t *testing.T) {
	a := NewTokenPair(weth, usdc)
	b := NewTokenPair(usdc, weth)

	require.Equal(t, a, b)
	require.Equal(t, usdc, a.Token0, "USDC sorts before WETH")
	require.Equal(t, weth, a.Token1)
	require.Equal(t, a.Key(), b.Key())
}

func TestLiquidityTokenMatchesMainnet(t *testing.T) {
	f := Factory{Address: DefaultFactoryAddress, InitCodeHash: DefaultInitCodeHash}

	// USDC/WETH pair on Ethereum mainnet
	expected := common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	require.Equal(t, expected, f.LiquidityToken(NewTokenPair(weth, usdc)))
	require.Equal(t, expected, f.LiquidityToken(NewTokenPair(usdc, weth)))
}

func TestParseTokenPair(t *testing.T) {
	p, err := ParseTokenPair(weth.Hex(), usdc.Hex())
	require.NoError(t, err)
	require.Equal(t, NewTokenPair(weth, usdc), p)

	_, err = ParseTokenPair("0xnothex", usdc.Hex())
	require.Error(t, err)

	_, err = ParseTokenPair(weth.Hex(), weth.Hex())
	require.Error(t, err)
}

func TestFactoryPairsKeepsOrder(t *testing.T) {
	f := Factory{Address: DefaultFactoryAddress, InitCodeHash: DefaultInitCodeHash}
	dai := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

	pairs := f.Pairs([]TokenPair{NewTokenPair(weth, dai), NewTokenPair(weth, usdc)})
	require.Len(t, pairs, 2)
	require.Equal(t, NewTokenPair(weth, dai), pairs[0].TokenPair)
	require.Equal(t, NewTokenPair(weth, usdc), pairs[1].TokenPair)
	require.NotEqual(t, pairs[0].LiquidityToken, pairs[1].LiquidityToken)
}
