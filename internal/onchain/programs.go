package onchain

import (
	"fmt"

	"lpwatch/internal/config"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
)

// ProgramsFromConfig resolves configured reward programs to their pairs.
func ProgramsFromConfig(programs []config.StakingProgram, factory uniswapv2.Factory) ([]Program, error) {
	out := make([]Program, 0, len(programs))
	for i, p := range programs {
		pair, err := uniswapv2.ParseTokenPair(p.TokenA, p.TokenB)
		if err != nil {
			return nil, fmt.Errorf("staking program %d: %w", i, err)
		}
		out = append(out, Program{
			Pair:    factory.Pair(pair),
			Rewards: common.HexToAddress(p.Rewards),
		})
	}
	return out, nil
}
