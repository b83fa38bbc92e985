package onchain

import (
	"context"
	"fmt"
	"math/big"

	"lpwatch/internal/position"
	"lpwatch/pkg/chain/evm"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

const defaultBatchSize = 100

// Chain is the subset of the RPC client the fetcher needs.
type Chain interface {
	evm.BatchCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// Program is a StakingRewards contract and the pair whose LP token it accepts.
type Program struct {
	Pair    uniswapv2.Pair
	Rewards common.Address
}

// Fetcher reads balances, reserves and stakes through Multicall3 batches.
type Fetcher struct {
	chain     Chain
	batchSize int
}

// NewFetcher creates a fetcher. batchSize <= 0 uses the default.
func NewFetcher(chain Chain, batchSize int) *Fetcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Fetcher{chain: chain, batchSize: batchSize}
}

// Balances returns the ERC20 balance of account for every token. Tokens whose
// call fails are left out of the result.
func (f *Fetcher) Balances(ctx context.Context, account common.Address, tokens []common.Address) (position.Balances, error) {
	balances := make(position.Balances, len(tokens))
	if len(tokens) == 0 {
		return balances, nil
	}

	data, err := uniswapv2.ERC20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	calls := make([]evm.ContractCall, len(tokens))
	for i, token := range tokens {
		calls[i] = evm.ContractCall{Target: token, CallData: data}
	}

	results, err := f.chain.BatchCall(ctx, calls, f.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}

	failed := 0
	for i, token := range tokens {
		bal, ok := unpackAmount(uniswapv2.ERC20ABI.UnpackIntoInterface, "balanceOf", results[i])
		if !ok {
			failed++
			continue
		}
		balances[token] = bal
	}

	if failed > 0 {
		log.Debug().Int("failed", failed).Int("total", len(tokens)).Msg("Some balance calls failed")
	}

	return balances, nil
}

// Reserves reads getReserves and totalSupply for every pair. The result is
// aligned with pairs; a pair that cannot be read (not deployed) gets a Failed
// slot. Repeated pairs are fetched once.
func (f *Fetcher) Reserves(ctx context.Context, pairs []uniswapv2.Pair) ([]position.ReserveSlot, error) {
	slots := make([]position.ReserveSlot, len(pairs))
	if len(pairs) == 0 {
		return slots, nil
	}

	// Unique LP tokens in first-seen order
	index := make(map[common.Address]int, len(pairs))
	unique := make([]common.Address, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := index[p.LiquidityToken]; ok {
			continue
		}
		index[p.LiquidityToken] = len(unique)
		unique = append(unique, p.LiquidityToken)
	}

	block, err := f.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching block number: %w", err)
	}

	reservesData, err := uniswapv2.PairABI.Pack("getReserves")
	if err != nil {
		return nil, fmt.Errorf("packing getReserves: %w", err)
	}
	supplyData, err := uniswapv2.PairABI.Pack("totalSupply")
	if err != nil {
		return nil, fmt.Errorf("packing totalSupply: %w", err)
	}

	const callsPerPair = 2
	calls := make([]evm.ContractCall, 0, len(unique)*callsPerPair)
	for _, addr := range unique {
		calls = append(calls,
			evm.ContractCall{Target: addr, CallData: reservesData},
			evm.ContractCall{Target: addr, CallData: supplyData},
		)
	}

	results, err := f.chain.BatchCall(ctx, calls, f.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching reserves: %w", err)
	}

	fetched := make([]position.ReserveSlot, len(unique))
	for i, addr := range unique {
		fetched[i] = decodeReserves(addr, results[i*callsPerPair], results[i*callsPerPair+1], block)
	}

	for i, p := range pairs {
		slots[i] = fetched[index[p.LiquidityToken]]
	}

	return slots, nil
}

func decodeReserves(addr common.Address, reservesResult, supplyResult evm.CallResult, block uint64) position.ReserveSlot {
	if !reservesResult.Success || !supplyResult.Success {
		log.Debug().Str("pair", addr.Hex()).Msg("Pair call reverted")
		return position.Failed()
	}

	type Reserves struct {
		Reserve0           *big.Int
		Reserve1           *big.Int
		BlockTimestampLast uint32
	}
	var reserves Reserves
	if err := uniswapv2.PairABI.UnpackIntoInterface(&reserves, "getReserves", reservesResult.Data); err != nil {
		log.Debug().Err(err).Str("pair", addr.Hex()).Msg("Failed to decode reserves")
		return position.Failed()
	}
	if reserves.Reserve0 == nil || reserves.Reserve1 == nil {
		return position.Failed()
	}

	supply, ok := unpackAmount(uniswapv2.PairABI.UnpackIntoInterface, "totalSupply", supplyResult)
	if !ok {
		return position.Failed()
	}

	return position.Resolved(position.Reserves{
		Reserve0:    reserves.Reserve0,
		Reserve1:    reserves.Reserve1,
		TotalSupply: supply,
		BlockNumber: block,
	})
}

// Stakes returns the account's staked amount in each program, in program
// order. Programs whose call fails are left out.
func (f *Fetcher) Stakes(ctx context.Context, account common.Address, programs []Program) ([]position.StakePosition, error) {
	if len(programs) == 0 {
		return nil, nil
	}

	data, err := uniswapv2.StakingRewardsABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	calls := make([]evm.ContractCall, len(programs))
	for i, p := range programs {
		calls[i] = evm.ContractCall{Target: p.Rewards, CallData: data}
	}

	results, err := f.chain.BatchCall(ctx, calls, f.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching stakes: %w", err)
	}

	stakes := make([]position.StakePosition, 0, len(programs))
	for i, p := range programs {
		staked, ok := unpackAmount(uniswapv2.StakingRewardsABI.UnpackIntoInterface, "balanceOf", results[i])
		if !ok {
			log.Debug().Str("rewards", p.Rewards.Hex()).Msg("Staking balance call failed")
			continue
		}
		stakes = append(stakes, position.StakePosition{
			Pair:            p.Pair,
			StakingContract: p.Rewards,
			Staked:          staked,
		})
	}

	return stakes, nil
}

// LegacyLiquidity reports whether account holds any of the legacy LP tokens.
func (f *Fetcher) LegacyLiquidity(ctx context.Context, account common.Address, tokens []common.Address) (bool, error) {
	if len(tokens) == 0 {
		return false, nil
	}

	balances, err := f.Balances(ctx, account, tokens)
	if err != nil {
		return false, fmt.Errorf("fetching legacy balances: %w", err)
	}
	for _, bal := range balances {
		if bal.Sign() > 0 {
			return true, nil
		}
	}
	return false, nil
}

type unpackFunc func(v interface{}, name string, data []byte) error

// unpackAmount decodes a single uint256 return value.
func unpackAmount(unpack unpackFunc, method string, result evm.CallResult) (*big.Int, bool) {
	if !result.Success || len(result.Data) == 0 {
		return nil, false
	}
	var amount *big.Int
	if err := unpack(&amount, method, result.Data); err != nil || amount == nil {
		return nil, false
	}
	return amount, true
}
