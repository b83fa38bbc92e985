package api

import (
	"math/big"

	"lpwatch/internal/position"
	"lpwatch/pkg/dex/uniswapv2"
)

// ViewResponse is the JSON form of a position view. Token amounts are
// decimal strings of raw integer units.
type ViewResponse struct {
	Status     string             `json:"status"`
	Account    string             `json:"account,omitempty"`
	Generation uint64             `json:"generation"`
	Positions  []PositionResponse `json:"positions"`
	Migration  MigrationResponse  `json:"migration"`
	Errors     []string           `json:"errors,omitempty"`
}

type PositionResponse struct {
	Key             string `json:"key"`
	Token0          string `json:"token0"`
	Token1          string `json:"token1"`
	LiquidityToken  string `json:"liquidity_token"`
	StakingContract string `json:"staking_contract,omitempty"`
	Balance         string `json:"balance"`
	Staked          string `json:"staked,omitempty"`
	Pooled0         string `json:"pooled0"`
	Pooled1         string `json:"pooled1"`
	PoolShare       string `json:"pool_share"`
	Reserve0        string `json:"reserve0"`
	Reserve1        string `json:"reserve1"`
	TotalSupply     string `json:"total_supply"`
	BlockNumber     uint64 `json:"block_number"`
}

type MigrationResponse struct {
	Legacy bool   `json:"legacy"`
	Route  string `json:"route"`
	Label  string `json:"label"`
}

type PairResponse struct {
	Token0         string `json:"token0"`
	Token1         string `json:"token1"`
	LiquidityToken string `json:"liquidity_token"`
}

func newViewResponse(v position.View) ViewResponse {
	resp := ViewResponse{
		Status:     string(v.Status),
		Account:    v.Account,
		Generation: v.Generation,
		Positions:  make([]PositionResponse, 0, len(v.Positions)),
		Migration: MigrationResponse{
			Legacy: v.Migration.Legacy,
			Route:  v.Migration.Route,
			Label:  v.Migration.Label,
		},
		Errors: v.Errors,
	}
	for _, p := range v.Positions {
		resp.Positions = append(resp.Positions, newPositionResponse(p))
	}
	return resp
}

func newPositionResponse(p position.DisplayPosition) PositionResponse {
	pooled0, pooled1 := p.Pooled()
	out := PositionResponse{
		Key:            p.Key(),
		Token0:         p.Pair.Token0.Hex(),
		Token1:         p.Pair.Token1.Hex(),
		LiquidityToken: p.Pair.LiquidityToken.Hex(),
		Balance:        amount(p.Balance),
		Pooled0:        pooled0.String(),
		Pooled1:        pooled1.String(),
		PoolShare:      p.PoolShare().String(),
		Reserve0:       amount(p.Reserves.Reserve0),
		Reserve1:       amount(p.Reserves.Reserve1),
		TotalSupply:    amount(p.Reserves.TotalSupply),
		BlockNumber:    p.Reserves.BlockNumber,
	}
	if p.IsStaked() {
		out.Staked = p.Staked.String()
	}
	if p.StakingContract != nil {
		out.StakingContract = p.StakingContract.Hex()
	}
	return out
}

func newPairResponses(pairs []uniswapv2.Pair) []PairResponse {
	out := make([]PairResponse, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, PairResponse{
			Token0:         p.Token0.Hex(),
			Token1:         p.Token1.Hex(),
			LiquidityToken: p.LiquidityToken.Hex(),
		})
	}
	return out
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
