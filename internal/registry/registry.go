package registry

import (
	"context"
	"errors"
	"fmt"

	"lpwatch/internal/config"
	"lpwatch/internal/persistence"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned when a user pair is added without an account.
var ErrNotConnected = errors.New("no account connected")

// PairStore persists user-added pairs.
type PairStore interface {
	AddTrackedPair(ctx context.Context, rec persistence.PairRecord) error
	GetTrackedPairs(ctx context.Context, chainID int64, account string) ([]persistence.PairRecord, error)
	RemoveTrackedPair(ctx context.Context, rec persistence.PairRecord) error
}

// Registry produces the ordered list of pairs tracked for an account: pinned
// pairs, every token combined with every base token, then pairs the account
// added itself. Duplicates keep their first position.
type Registry struct {
	factory uniswapv2.Factory
	chainID int64
	static  []uniswapv2.TokenPair
	store   PairStore
}

// New creates a registry. store may be nil, in which case user pairs are not
// supported.
func New(factory uniswapv2.Factory, chainID int64, pinned []uniswapv2.TokenPair, tokens, bases []common.Address, store PairStore) *Registry {
	static := make([]uniswapv2.TokenPair, 0, len(pinned)+len(tokens)*len(bases))
	static = append(static, pinned...)
	for _, token := range tokens {
		for _, base := range bases {
			if token == base {
				continue
			}
			static = append(static, uniswapv2.NewTokenPair(token, base))
		}
	}

	return &Registry{
		factory: factory,
		chainID: chainID,
		static:  dedupe(static),
		store:   store,
	}
}

// FromConfig builds a registry from the pairs section of cfg.
func FromConfig(cfg *config.Config, store PairStore) (*Registry, error) {
	pinned := make([]uniswapv2.TokenPair, 0, len(cfg.Pairs.Pinned))
	for _, p := range cfg.Pairs.Pinned {
		pair, err := uniswapv2.ParseTokenPair(p[0], p[1])
		if err != nil {
			return nil, fmt.Errorf("pinned pair: %w", err)
		}
		pinned = append(pinned, pair)
	}

	return New(
		cfg.Factory(),
		cfg.Chain.ChainID,
		pinned,
		toAddresses(cfg.Pairs.Tokens),
		toAddresses(cfg.Pairs.Bases),
		store,
	), nil
}

// Factory returns the factory used to derive LP tokens.
func (r *Registry) Factory() uniswapv2.Factory {
	return r.factory
}

// TrackedPairs returns the tracked pairs for account, with their LP tokens.
// With no account only the static pairs are returned.
func (r *Registry) TrackedPairs(ctx context.Context, account *common.Address) ([]uniswapv2.Pair, error) {
	pairs := append([]uniswapv2.TokenPair(nil), r.static...)

	if account != nil && r.store != nil {
		records, err := r.store.GetTrackedPairs(ctx, r.chainID, account.Hex())
		if err != nil {
			return nil, fmt.Errorf("loading user pairs: %w", err)
		}
		for _, rec := range records {
			pair, err := uniswapv2.ParseTokenPair(rec.Token0, rec.Token1)
			if err != nil {
				log.Warn().Err(err).Str("token0", rec.Token0).Str("token1", rec.Token1).Msg("Skipping invalid stored pair")
				continue
			}
			pairs = append(pairs, pair)
		}
	}

	return r.factory.Pairs(dedupe(pairs)), nil
}

// AddPair stores a user pair for account.
func (r *Registry) AddPair(ctx context.Context, account *common.Address, pair uniswapv2.TokenPair) error {
	if account == nil {
		return ErrNotConnected
	}
	if r.store == nil {
		return errors.New("user pairs are not persisted")
	}

	rec := persistence.PairRecord{
		ChainID: r.chainID,
		Account: account.Hex(),
		Token0:  pair.Token0.Hex(),
		Token1:  pair.Token1.Hex(),
	}
	if err := r.store.AddTrackedPair(ctx, rec); err != nil {
		return fmt.Errorf("adding pair %s: %w", pair, err)
	}

	log.Info().Str("account", account.Hex()).Str("pair", pair.String()).Msg("Added tracked pair")
	return nil
}

// RemovePair deletes a user pair of account. Static pairs are not affected.
func (r *Registry) RemovePair(ctx context.Context, account *common.Address, pair uniswapv2.TokenPair) error {
	if account == nil {
		return ErrNotConnected
	}
	if r.store == nil {
		return errors.New("user pairs are not persisted")
	}

	rec := persistence.PairRecord{
		ChainID: r.chainID,
		Account: account.Hex(),
		Token0:  pair.Token0.Hex(),
		Token1:  pair.Token1.Hex(),
	}
	if err := r.store.RemoveTrackedPair(ctx, rec); err != nil {
		return fmt.Errorf("removing pair %s: %w", pair, err)
	}

	log.Info().Str("account", account.Hex()).Str("pair", pair.String()).Msg("Removed tracked pair")
	return nil
}

func dedupe(pairs []uniswapv2.TokenPair) []uniswapv2.TokenPair {
	seen := make(map[uniswapv2.TokenPair]struct{}, len(pairs))
	out := make([]uniswapv2.TokenPair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func toAddresses(hexes []string) []common.Address {
	out := make([]common.Address, len(hexes))
	for i, h := range hexes {
		out[i] = common.HexToAddress(h)
	}
	return out
}
