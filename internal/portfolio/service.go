package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lpwatch/internal/metrics"
	"lpwatch/internal/onchain"
	"lpwatch/internal/persistence"
	"lpwatch/internal/position"
	"lpwatch/internal/tracker"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Fetcher reads the on-chain inputs of the position view.
type Fetcher interface {
	Balances(ctx context.Context, account common.Address, tokens []common.Address) (position.Balances, error)
	Reserves(ctx context.Context, pairs []uniswapv2.Pair) ([]position.ReserveSlot, error)
	Stakes(ctx context.Context, account common.Address, programs []onchain.Program) ([]position.StakePosition, error)
	LegacyLiquidity(ctx context.Context, account common.Address, tokens []common.Address) (bool, error)
}

// Registry provides the tracked pair list.
type Registry interface {
	TrackedPairs(ctx context.Context, account *common.Address) ([]uniswapv2.Pair, error)
	AddPair(ctx context.Context, account *common.Address, pair uniswapv2.TokenPair) error
	RemovePair(ctx context.Context, account *common.Address, pair uniswapv2.TokenPair) error
}

// StateStore persists small pieces of operational state.
type StateStore interface {
	SetSystemState(ctx context.Context, key, value string) error
	GetSystemState(ctx context.Context, key string) (string, error)
}

// Config holds refresh settings.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Programs     []onchain.Program
	LegacyTokens []common.Address
}

// Service drives the tracker: it selects the account and pairs, and on every
// trigger fetches all inputs for the current generation.
type Service struct {
	tracker  *tracker.Manager
	registry Registry
	fetcher  Fetcher
	state    StateStore
	metrics  *metrics.Metrics
	cfg      Config

	// Serializes account and pair changes
	mu sync.Mutex

	trigger chan struct{}

	tokensMu sync.Mutex
	onTokens func([]string)
}

// NewService creates a portfolio service. state and m may be nil.
func NewService(
	t *tracker.Manager,
	registry Registry,
	fetcher Fetcher,
	state StateStore,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	return &Service{
		tracker:  t,
		registry: registry,
		fetcher:  fetcher,
		state:    state,
		metrics:  m,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
	}
}

// OnLiquidityTokens registers fn to be called with the LP tokens to watch
// whenever they may have changed.
func (s *Service) OnLiquidityTokens(fn func([]string)) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	s.onTokens = fn
}

// Trigger requests a refresh. Requests made while one is pending coalesce.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Restore selects the configured account, falling back to the last account
// persisted in system state.
func (s *Service) Restore(ctx context.Context, configured *common.Address) error {
	account := configured
	if account == nil && s.state != nil {
		last, err := s.state.GetSystemState(ctx, persistence.StateLastAccount)
		if err != nil {
			return fmt.Errorf("reading last account: %w", err)
		}
		if common.IsHexAddress(last) {
			addr := common.HexToAddress(last)
			account = &addr
			log.Info().Str("account", addr.Hex()).Msg("Restored last account")
		}
	}
	return s.SetAccount(ctx, account)
}

// SetAccount switches to account (nil disconnects), reloads the pair
// registry for it and schedules a refresh.
func (s *Service) SetAccount(ctx context.Context, account *common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs, err := s.registry.TrackedPairs(ctx, account)
	if err != nil {
		return fmt.Errorf("loading tracked pairs: %w", err)
	}

	if s.tracker.Select(account, pairs) {
		s.persistAccount(ctx, account)
		s.notifyTokens()
	}
	s.Trigger()
	return nil
}

// AddPair adds a user pair for the current account and schedules a refresh.
func (s *Service) AddPair(ctx context.Context, pair uniswapv2.TokenPair) error {
	return s.changePairs(ctx, pair, s.registry.AddPair)
}

// RemovePair removes a user pair of the current account and schedules a
// refresh.
func (s *Service) RemovePair(ctx context.Context, pair uniswapv2.TokenPair) error {
	return s.changePairs(ctx, pair, s.registry.RemovePair)
}

func (s *Service) changePairs(
	ctx context.Context,
	pair uniswapv2.TokenPair,
	change func(context.Context, *common.Address, uniswapv2.TokenPair) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.tracker.Account()
	if err := change(ctx, account, pair); err != nil {
		return err
	}

	pairs, err := s.registry.TrackedPairs(ctx, account)
	if err != nil {
		return fmt.Errorf("loading tracked pairs: %w", err)
	}
	if s.tracker.SetTrackedPairs(pairs) {
		s.notifyTokens()
	}
	s.Trigger()
	return nil
}

// Run refreshes on every trigger and every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Portfolio refresh loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
			s.Refresh(ctx)
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh fetches every input for the current generation and hands the
// results to the tracker. It returns once all fetches have finished.
func (s *Service) Refresh(ctx context.Context) {
	req, ok := s.tracker.Begin()
	if !ok {
		return
	}

	start := time.Now()
	timeout := s.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Groups fail independently, so no shared cancellation
	var g errgroup.Group
	g.Go(func() error {
		s.refreshPlain(ctx, req)
		return nil
	})
	g.Go(func() error {
		s.refreshStaked(ctx, req)
		return nil
	})
	g.Go(func() error {
		s.refreshLegacy(ctx, req)
		return nil
	})
	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.RecordRefreshLatency(time.Since(start))
	}

	// Staked pairs may have changed the set of LP tokens to watch
	s.notifyTokens()

	log.Debug().
		Uint64("generation", req.Generation).
		Uint64("seq", req.Seq).
		Dur("took", time.Since(start)).
		Str("status", string(s.tracker.View().Status)).
		Msg("Refresh completed")
}

// refreshPlain runs balances, narrowing and plain reserves.
func (s *Service) refreshPlain(ctx context.Context, req tracker.Request) {
	tokens := make([]common.Address, len(req.Pairs))
	for i, p := range req.Pairs {
		tokens[i] = p.LiquidityToken
	}

	started := time.Now()
	balances, err := s.fetcher.Balances(ctx, req.Account, tokens)
	s.recordFetch(tracker.GroupBalances, started, err)
	if !s.tracker.ApplyBalances(req, balances, err) || err != nil {
		return
	}

	narrowed := position.NarrowByBalance(req.Pairs, balances)
	if len(narrowed) == 0 {
		return
	}

	started = time.Now()
	slots, err := s.fetcher.Reserves(ctx, narrowed)
	s.recordFetch(tracker.GroupPlainReserves, started, err)
	s.tracker.ApplyReserves(req, tracker.GroupPlainReserves, narrowed, slots, err)
}

// refreshStaked runs stakes, filtering and staked reserves.
func (s *Service) refreshStaked(ctx context.Context, req tracker.Request) {
	started := time.Now()
	stakes, err := s.fetcher.Stakes(ctx, req.Account, s.cfg.Programs)
	s.recordFetch(tracker.GroupStakes, started, err)
	if !s.tracker.ApplyStakes(req, stakes, err) || err != nil {
		return
	}

	withBalance := position.StakedWithBalance(stakes)
	if len(withBalance) == 0 {
		return
	}
	pairs := make([]uniswapv2.Pair, len(withBalance))
	for i, st := range withBalance {
		pairs[i] = st.Pair
	}

	started = time.Now()
	slots, err := s.fetcher.Reserves(ctx, pairs)
	s.recordFetch(tracker.GroupStakedReserves, started, err)
	s.tracker.ApplyReserves(req, tracker.GroupStakedReserves, pairs, slots, err)
}

func (s *Service) refreshLegacy(ctx context.Context, req tracker.Request) {
	started := time.Now()
	hasLegacy, err := s.fetcher.LegacyLiquidity(ctx, req.Account, s.cfg.LegacyTokens)
	s.recordFetch(tracker.GroupLegacy, started, err)
	s.tracker.ApplyLegacy(req, hasLegacy, err)
}

func (s *Service) recordFetch(group tracker.Group, started time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordFetch(string(group), time.Since(started), err)
	}
}

func (s *Service) persistAccount(ctx context.Context, account *common.Address) {
	if s.state == nil {
		return
	}
	value := ""
	if account != nil {
		value = account.Hex()
	}
	if err := s.state.SetSystemState(ctx, persistence.StateLastAccount, value); err != nil {
		log.Warn().Err(err).Msg("Failed to persist account")
	}
}

func (s *Service) notifyTokens() {
	s.tokensMu.Lock()
	fn := s.onTokens
	s.tokensMu.Unlock()

	if fn != nil {
		fn(s.tracker.LiquidityTokens())
	}
}
