package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lpwatch/internal/metrics"
	"lpwatch/internal/tracker"

	"github.com/rs/zerolog/log"
)

const (
	maxReconnectAttempts = 10
	initialBackoff       = 1 * time.Second
	maxBackoff           = 30 * time.Second
)

// Service streams new heads and Sync events from the node. Heads are
// reported through the OnHead callback; Sync events of tracked LP tokens go
// straight to the reserve sink.
type Service struct {
	wsURL   string
	client  *WSClient
	decoder *Decoder

	sink       ReserveSink
	reconciler *Reconciler
	metrics    *metrics.Metrics

	// Tracked LP token addresses, lowercased
	mu           sync.RWMutex
	trackedPools map[string]struct{}
	resubscribe  chan struct{}

	headMu sync.Mutex
	onHead func(block uint64)

	lastBlockNumber atomic.Uint64
}

// NewService creates a new ingestion service.
func NewService(wsURL string, sink ReserveSink, m *metrics.Metrics) *Service {
	return &Service{
		wsURL:        wsURL,
		decoder:      NewDecoder(),
		sink:         sink,
		metrics:      m,
		trackedPools: make(map[string]struct{}),
		resubscribe:  make(chan struct{}, 1),
	}
}

// SetReconciler enables replay of Sync events missed across reconnects.
func (s *Service) SetReconciler(r *Reconciler) {
	s.reconciler = r
}

// OnHead registers fn to be called for every new block.
func (s *Service) OnHead(fn func(block uint64)) {
	s.headMu.Lock()
	defer s.headMu.Unlock()

	s.onHead = fn
}

// SetTrackedPools sets the LP token addresses to follow. The log subscription
// is renewed when the set changed.
func (s *Service) SetTrackedPools(addresses []string) {
	next := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		next[strings.ToLower(addr)] = struct{}{}
	}

	s.mu.Lock()
	changed := len(next) != len(s.trackedPools)
	if !changed {
		for addr := range next {
			if _, ok := s.trackedPools[addr]; !ok {
				changed = true
				break
			}
		}
	}
	s.trackedPools = next
	s.mu.Unlock()

	if !changed {
		return
	}

	log.Info().Int("count", len(addresses)).Msg("Updated tracked pools")

	select {
	case s.resubscribe <- struct{}{}:
	default:
	}
}

// IsTracked returns true if the pool is being tracked.
func (s *Service) IsTracked(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.trackedPools[strings.ToLower(address)]
	return exists
}

// TrackedPoolCount returns the number of tracked pools.
func (s *Service) TrackedPoolCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.trackedPools)
}

func (s *Service) trackedList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addresses := make([]string, 0, len(s.trackedPools))
	for addr := range s.trackedPools {
		addresses = append(addresses, addr)
	}
	return addresses
}

// Run starts the ingestion service with automatic reconnection.
func (s *Service) Run(ctx context.Context) error {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			log.Info().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Reconnecting to WebSocket")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}

		log.Error().Err(err).Msg("WebSocket connection error")

		if s.metrics != nil {
			s.metrics.SetWebSocketConnected(false)
		}
	}

	return fmt.Errorf("max reconnection attempts reached")
}

// runOnce runs the ingestion service until an error occurs or context is canceled.
func (s *Service) runOnce(ctx context.Context) error {
	s.client = NewWSClient(s.wsURL)

	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to websocket: %w", err)
	}
	defer s.client.Close()

	if s.metrics != nil {
		s.metrics.SetWebSocketConnected(true)
	}

	if err := s.client.SubscribeHeads(ctx); err != nil {
		return fmt.Errorf("subscribing to heads: %w", err)
	}
	if err := s.subscribeLogs(ctx); err != nil {
		return fmt.Errorf("subscribing to logs: %w", err)
	}

	// Replay what happened while disconnected
	if last := s.lastBlockNumber.Load(); last > 0 {
		s.catchUp(ctx, last+1)
	}

	// Start ping loop
	go s.client.StartPingLoop(ctx)

	// Start message reader
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.client.ReadMessages(ctx)
	}()

	// Process messages
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			if err == nil {
				return fmt.Errorf("connection closed by peer")
			}
			return err

		case <-s.resubscribe:
			if err := s.client.Unsubscribe(ctx, KindLogs); err != nil {
				log.Warn().Err(err).Msg("Failed to unsubscribe")
			}
			if err := s.subscribeLogs(ctx); err != nil {
				return fmt.Errorf("resubscribing to logs: %w", err)
			}

		case msg := <-s.client.Messages():
			s.processMessage(msg)
		}
	}
}

// subscribeLogs subscribes to Sync events of the tracked pools. With no
// pools there is nothing to subscribe to.
func (s *Service) subscribeLogs(ctx context.Context) error {
	addresses := s.trackedList()
	if len(addresses) == 0 {
		return nil
	}
	return s.client.SubscribeLogs(ctx, addresses, []string{SyncEventTopic.Hex()})
}

func (s *Service) catchUp(ctx context.Context, fromBlock uint64) {
	if s.reconciler == nil {
		return
	}

	current, err := s.reconciler.CurrentBlock(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get current block for reconciliation")
		return
	}
	if _, err := s.reconciler.Reconcile(ctx, s.trackedList(), fromBlock, current); err != nil {
		log.Warn().Err(err).Msg("Reconciliation failed")
	}
}

// processMessage processes one subscription notification.
func (s *Service) processMessage(n Notification) {
	switch n.Kind {
	case KindHeads:
		s.processHead(n.Result)
	case KindLogs:
		var logEntry LogEntry
		if err := json.Unmarshal(n.Result, &logEntry); err != nil {
			log.Warn().Err(err).Msg("Failed to parse log notification")
			return
		}

		// Skip removed logs (chain reorg)
		if logEntry.Removed {
			log.Debug().
				Str("tx", logEntry.TransactionHash).
				Msg("Skipping removed log")
			return
		}

		if IsSyncEvent(&logEntry) {
			s.processSyncEvent(&logEntry)
		}
	}
}

// processHead records the block and notifies the head callback.
func (s *Service) processHead(raw json.RawMessage) {
	head, err := s.decoder.DecodeHead(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decode head")
		return
	}

	s.observeBlock(head.Number)
	if s.metrics != nil {
		s.metrics.RecordEventReceived("new_head")
	}

	s.headMu.Lock()
	fn := s.onHead
	s.headMu.Unlock()

	if fn != nil {
		fn(head.Number)
	}

	log.Trace().Uint64("block", head.Number).Msg("Processed new head")
}

// processSyncEvent decodes a Sync event and forwards it to the sink.
func (s *Service) processSyncEvent(logEntry *LogEntry) {
	// Check if we're tracking this pool
	if !s.IsTracked(logEntry.Address) {
		return
	}

	event, err := s.decoder.DecodeSyncEvent(logEntry)
	if err != nil {
		log.Warn().Err(err).Str("pool", logEntry.Address).Msg("Failed to decode Sync event")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEventReceived("sync")
	}

	s.sink.ProcessUpdate(tracker.ReserveUpdate{
		PoolAddress: event.PoolAddress,
		Reserve0:    event.Reserve0,
		Reserve1:    event.Reserve1,
		BlockNumber: event.BlockNumber,
		LogIndex:    event.LogIndex,
		Timestamp:   event.Timestamp,
	})

	s.observeBlock(event.BlockNumber)

	log.Trace().
		Str("pool", event.PoolAddress.Hex()).
		Uint64("block", event.BlockNumber).
		Str("reserve0", event.Reserve0.String()).
		Str("reserve1", event.Reserve1.String()).
		Msg("Processed Sync event")
}

func (s *Service) observeBlock(block uint64) {
	for {
		last := s.lastBlockNumber.Load()
		if block <= last {
			return
		}
		if s.lastBlockNumber.CompareAndSwap(last, block) {
			break
		}
	}
	if s.metrics != nil {
		s.metrics.SetLastBlockSeen(block)
	}
}

// LastBlockNumber returns the last block number seen.
func (s *Service) LastBlockNumber() uint64 {
	return s.lastBlockNumber.Load()
}

func calculateBackoff(attempt int) time.Duration {
	backoff := initialBackoff * (1 << uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
