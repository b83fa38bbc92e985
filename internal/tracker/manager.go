package tracker

import (
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"lpwatch/internal/metrics"
	"lpwatch/internal/position"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Group names a fetch group.
type Group string

const (
	GroupBalances       Group = "balances"
	GroupPlainReserves  Group = "plain_reserves"
	GroupStakes         Group = "stakes"
	GroupStakedReserves Group = "staked_reserves"
	GroupLegacy         Group = "legacy"
)

// ReserveUpdate represents a reserve update from a Sync event.
type ReserveUpdate struct {
	PoolAddress common.Address
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
	LogIndex    uint
	Timestamp   time.Time
}

// Request identifies one refresh. Results carry the request back so the
// manager can drop them once the account or pair set has moved on.
type Request struct {
	Generation uint64
	Seq        uint64
	Account    common.Address
	Pairs      []uniswapv2.Pair
}

// Manager holds the latest value of every input source and recomputes the
// view whenever one of them changes.
type Manager struct {
	mu sync.Mutex

	metrics *metrics.Metrics

	account    *common.Address
	pairs      []uniswapv2.Pair
	generation uint64
	seq        uint64

	balances position.Cell[position.Balances]
	stakes   position.Cell[[]position.StakePosition]
	legacy   position.Cell[bool]

	// Reserve cache by pair key, with the sequence that wrote each entry
	reserves   map[string]position.ReserveSlot
	reserveSeq map[string]uint64
	byToken    map[common.Address]string

	errors map[Group]string

	view   position.View
	viewCh chan position.View
	closed bool
}

// NewManager creates a manager with no account connected.
func NewManager(m *metrics.Metrics) *Manager {
	mgr := &Manager{
		metrics: m,
		viewCh:  make(chan position.View, 1),
	}
	mgr.resetLocked()
	mgr.recomputeLocked()
	return mgr
}

// Views returns the channel on which new views are published. Only the latest
// unread view is kept.
func (m *Manager) Views() <-chan position.View {
	return m.viewCh
}

// View returns the current view.
func (m *Manager) View() position.View {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.view
}

// Account returns the connected account, or nil.
func (m *Manager) Account() *common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.account == nil {
		return nil
	}
	a := *m.account
	return &a
}

// Generation returns the current generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.generation
}

// TrackedPairs returns a copy of the tracked pairs.
func (m *Manager) TrackedPairs() []uniswapv2.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uniswapv2.Pair(nil), m.pairs...)
}

// LiquidityTokens returns the LP token addresses of the tracked pairs and of
// every staked pair, lowercased for log subscriptions.
func (m *Manager) LiquidityTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[common.Address]struct{}, len(m.pairs))
	out := make([]string, 0, len(m.pairs))
	add := func(addr common.Address) {
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, strings.ToLower(addr.Hex()))
	}
	for _, p := range m.pairs {
		add(p.LiquidityToken)
	}
	for _, s := range m.stakes.Value() {
		add(s.Pair.LiquidityToken)
	}
	return out
}

// SetAccount switches the account. nil disconnects. Returns true when the
// account changed, which starts a new generation.
func (m *Manager) SetAccount(account *common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sameAccount(m.account, account) {
		return false
	}
	if account != nil {
		a := *account
		m.account = &a
	} else {
		m.account = nil
	}
	m.bumpLocked("account")
	return true
}

// SetTrackedPairs replaces the tracked pair set. Returns true when the set
// changed, which starts a new generation.
func (m *Manager) SetTrackedPairs(pairs []uniswapv2.Pair) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if samePairs(m.pairs, pairs) {
		return false
	}
	m.pairs = append([]uniswapv2.Pair(nil), pairs...)
	if m.metrics != nil {
		m.metrics.SetPairsTracked(len(m.pairs))
	}
	m.bumpLocked("pairs")
	return true
}

// Select replaces account and tracked pairs together, starting at most one
// new generation. Returns true when either changed.
func (m *Manager) Select(account *common.Address, pairs []uniswapv2.Pair) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	accountChanged := !sameAccount(m.account, account)
	pairsChanged := !samePairs(m.pairs, pairs)
	if !accountChanged && !pairsChanged {
		return false
	}

	if accountChanged {
		if account != nil {
			a := *account
			m.account = &a
		} else {
			m.account = nil
		}
	}
	if pairsChanged {
		m.pairs = append([]uniswapv2.Pair(nil), pairs...)
		if m.metrics != nil {
			m.metrics.SetPairsTracked(len(m.pairs))
		}
	}

	reason := "account"
	if !accountChanged {
		reason = "pairs"
	}
	m.bumpLocked(reason)
	return true
}

// Begin starts a refresh for the current generation. It returns false when no
// account is connected.
func (m *Manager) Begin() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.account == nil {
		return Request{}, false
	}

	m.seq++
	m.balances.Request(m.generation)
	m.stakes.Request(m.generation)
	m.legacy.Request(m.generation)
	m.recomputeLocked()

	return Request{
		Generation: m.generation,
		Seq:        m.seq,
		Account:    *m.account,
		Pairs:      append([]uniswapv2.Pair(nil), m.pairs...),
	}, true
}

// ApplyBalances stores an LP balance result. Returns false for stale results.
func (m *Manager) ApplyBalances(req Request, balances position.Balances, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(req, GroupBalances) {
		return false
	}
	if err != nil {
		m.balances.Fail(req.Generation, err)
		m.failLocked(GroupBalances, err)
	} else if m.balances.Resolve(req.Generation, req.Seq, balances) {
		delete(m.errors, GroupBalances)
	}
	m.recomputeLocked()
	return true
}

// ApplyStakes stores a staking result. Returns false for stale results.
func (m *Manager) ApplyStakes(req Request, stakes []position.StakePosition, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(req, GroupStakes) {
		return false
	}
	if err != nil {
		m.stakes.Fail(req.Generation, err)
		m.failLocked(GroupStakes, err)
	} else if m.stakes.Resolve(req.Generation, req.Seq, stakes) {
		delete(m.errors, GroupStakes)
	}
	m.recomputeLocked()
	return true
}

// ApplyLegacy stores the legacy-liquidity signal. Returns false for stale
// results.
func (m *Manager) ApplyLegacy(req Request, hasLegacy bool, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(req, GroupLegacy) {
		return false
	}
	if err != nil {
		m.legacy.Fail(req.Generation, err)
		m.failLocked(GroupLegacy, err)
	} else if m.legacy.Resolve(req.Generation, req.Seq, hasLegacy) {
		delete(m.errors, GroupLegacy)
	}
	m.recomputeLocked()
	return true
}

// ApplyReserves stores a reserve fan-out result; slots are aligned with
// pairs. Returns false for stale results.
func (m *Manager) ApplyReserves(req Request, group Group, pairs []uniswapv2.Pair, slots []position.ReserveSlot, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(req, group) {
		return false
	}
	if err != nil {
		m.failLocked(group, err)
		m.recomputeLocked()
		return true
	}

	delete(m.errors, group)
	for i, p := range pairs {
		if i >= len(slots) {
			break
		}
		key := p.Key()
		if slots[i].State == position.SlotPending {
			continue
		}
		if seq, ok := m.reserveSeq[key]; ok && seq > req.Seq {
			continue
		}
		if olderThanCached(m.reserves[key], slots[i]) {
			continue
		}
		m.reserves[key] = slots[i]
		m.reserveSeq[key] = req.Seq
		m.byToken[p.LiquidityToken] = key
	}
	m.recomputeLocked()
	return true
}

// olderThanCached reports whether next was read at an earlier block than the
// resolved reserves already cached, e.g. after a Sync landed mid-fetch.
func olderThanCached(cur, next position.ReserveSlot) bool {
	return cur.State == position.SlotResolved &&
		next.State == position.SlotResolved &&
		next.Reserves.BlockNumber < cur.Reserves.BlockNumber
}

// ProcessUpdate applies a Sync reserve update to a pair whose reserves are
// already known. Returns true if the update was applied.
func (m *Manager) ProcessUpdate(update ReserveUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byToken[update.PoolAddress]
	if !ok {
		return false
	}
	slot, ok := m.reserves[key]
	if !ok || slot.State != position.SlotResolved {
		return false
	}
	if update.BlockNumber < slot.Reserves.BlockNumber {
		return false
	}

	m.reserves[key] = position.Resolved(position.Reserves{
		Reserve0:    new(big.Int).Set(update.Reserve0),
		Reserve1:    new(big.Int).Set(update.Reserve1),
		TotalSupply: slot.Reserves.TotalSupply,
		BlockNumber: update.BlockNumber,
	})

	if m.metrics != nil {
		m.metrics.SetLastBlockSeen(update.BlockNumber)
	}

	log.Trace().
		Str("pair", key).
		Uint64("block", update.BlockNumber).
		Str("reserve0", update.Reserve0.String()).
		Str("reserve1", update.Reserve1.String()).
		Msg("Applied reserve update")

	m.recomputeLocked()
	return true
}

// Close closes the view channel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.viewCh)
	}
}

// bumpLocked starts a new generation and drops every cached input.
// Must be called with m.mu held.
func (m *Manager) bumpLocked(reason string) {
	m.generation++
	m.resetLocked()

	log.Info().
		Uint64("generation", m.generation).
		Str("reason", reason).
		Int("pairs", len(m.pairs)).
		Bool("connected", m.account != nil).
		Msg("Started new generation")

	m.recomputeLocked()
}

// resetLocked clears all cells and caches. Must be called with m.mu held.
func (m *Manager) resetLocked() {
	m.balances.Reset()
	m.stakes.Reset()
	m.legacy.Reset()
	m.reserves = make(map[string]position.ReserveSlot)
	m.reserveSeq = make(map[string]uint64)
	m.byToken = make(map[common.Address]string)
	m.errors = make(map[Group]string)
}

// currentLocked reports whether req belongs to the current generation and
// counts it as stale otherwise. Must be called with m.mu held.
func (m *Manager) currentLocked(req Request, group Group) bool {
	if m.account != nil && req.Generation == m.generation {
		return true
	}
	if m.metrics != nil {
		m.metrics.RecordStaleResult(string(group))
	}
	log.Debug().
		Str("group", string(group)).
		Uint64("result_generation", req.Generation).
		Uint64("current_generation", m.generation).
		Msg("Discarding stale fetch result")
	return false
}

func (m *Manager) failLocked(group Group, err error) {
	m.errors[group] = string(group) + ": " + err.Error()
	log.Warn().Err(err).Str("group", string(group)).Msg("Fetch failed")
}

// recomputeLocked reconciles the current inputs and publishes the view.
// Must be called with m.mu held.
func (m *Manager) recomputeLocked() {
	gen := m.generation

	snap := position.Snapshot{
		Account:          m.account,
		Generation:       gen,
		Tracked:          m.pairs,
		BalancesInFlight: !m.balances.Ready(gen),
		Balances:         m.balances.Value(),
		Reserves:         m.reserves,
		StakesInFlight:   !m.stakes.Ready(gen),
		Stakes:           m.stakes.Value(),
		HasLegacy:        m.legacy.Ready(gen) && m.legacy.Value(),
		Errors:           m.errorListLocked(),
	}

	m.view = position.Reconcile(snap)

	if m.metrics != nil {
		plain, staked := 0, 0
		for _, p := range m.view.Positions {
			if p.IsStaked() {
				staked++
			} else {
				plain++
			}
		}
		m.metrics.RecordRecompute()
		m.metrics.SetView(string(m.view.Status), plain, staked)
	}

	m.publishLocked(m.view)
}

// publishLocked sends v, replacing any view the consumer has not read yet.
func (m *Manager) publishLocked(v position.View) {
	if m.closed {
		return
	}
	select {
	case m.viewCh <- v:
		return
	default:
	}
	select {
	case <-m.viewCh:
	default:
	}
	select {
	case m.viewCh <- v:
	default:
		log.Warn().Uint64("generation", v.Generation).Msg("View channel full, discarding view")
	}
}

func (m *Manager) errorListLocked() []string {
	if len(m.errors) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.errors))
	for _, e := range m.errors {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func sameAccount(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func samePairs(a, b []uniswapv2.Pair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
