package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lpwatch/internal/tracker"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

const (
	// maxBlockRange limits the number of blocks to query in a single getLogs call
	// to avoid RPC timeouts on large ranges
	maxBlockRange = 1000
)

// LogFilterer is the RPC surface needed to replay historical logs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReserveSink receives reserve updates.
type ReserveSink interface {
	ProcessUpdate(update tracker.ReserveUpdate) bool
}

// Reconciler replays Sync events missed while the stream was disconnected.
type Reconciler struct {
	client  LogFilterer
	decoder *Decoder
	sink    ReserveSink
}

// NewReconciler creates a new reconciler.
func NewReconciler(client LogFilterer, sink ReserveSink) *Reconciler {
	return &Reconciler{
		client:  client,
		decoder: NewDecoder(),
		sink:    sink,
	}
}

// ReconcileResult contains statistics from reconciliation.
type ReconcileResult struct {
	FromBlock     uint64
	ToBlock       uint64
	EventsFound   int
	EventsApplied int
	PoolsUpdated  int
	Duration      time.Duration
}

// Reconcile fetches Sync events for pools from fromBlock to toBlock and hands
// them to the sink in chain order.
func (r *Reconciler) Reconcile(ctx context.Context, pools []string, fromBlock, toBlock uint64) (*ReconcileResult, error) {
	result := &ReconcileResult{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
	}
	if fromBlock > toBlock || len(pools) == 0 {
		return result, nil
	}

	startTime := time.Now()

	addresses := make([]common.Address, 0, len(pools))
	for _, addr := range pools {
		addresses = append(addresses, common.HexToAddress(addr))
	}

	log.Info().
		Uint64("from_block", fromBlock).
		Uint64("to_block", toBlock).
		Int("pools", len(addresses)).
		Msg("Starting reconciliation")

	poolsUpdated := make(map[common.Address]struct{})

	// Query in chunks to avoid RPC limits
	for chunkStart := fromBlock; chunkStart <= toBlock; chunkStart += maxBlockRange {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		chunkEnd := chunkStart + maxBlockRange - 1
		if chunkEnd > toBlock {
			chunkEnd = toBlock
		}

		events, err := r.fetchSyncEvents(ctx, addresses, chunkStart, chunkEnd)
		if err != nil {
			log.Warn().
				Err(err).
				Uint64("from", chunkStart).
				Uint64("to", chunkEnd).
				Msg("Failed to fetch events for block range, continuing")
			continue
		}

		result.EventsFound += len(events)

		for _, event := range events {
			applied := r.sink.ProcessUpdate(tracker.ReserveUpdate{
				PoolAddress: event.PoolAddress,
				Reserve0:    event.Reserve0,
				Reserve1:    event.Reserve1,
				BlockNumber: event.BlockNumber,
				LogIndex:    event.LogIndex,
				Timestamp:   event.Timestamp,
			})
			if applied {
				result.EventsApplied++
				poolsUpdated[event.PoolAddress] = struct{}{}
			}
		}
	}

	result.PoolsUpdated = len(poolsUpdated)
	result.Duration = time.Since(startTime)

	log.Info().
		Uint64("from_block", fromBlock).
		Uint64("to_block", toBlock).
		Int("events_found", result.EventsFound).
		Int("events_applied", result.EventsApplied).
		Int("pools_updated", result.PoolsUpdated).
		Dur("duration", result.Duration).
		Msg("Reconciliation complete")

	return result, nil
}

// fetchSyncEvents fetches Sync events from the blockchain for the given block range.
func (r *Reconciler) fetchSyncEvents(ctx context.Context, addresses []common.Address, fromBlock, toBlock uint64) ([]*SyncEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
		Topics:    [][]common.Hash{{SyncEventTopic}},
	}

	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filtering logs: %w", err)
	}

	events := make([]*SyncEvent, 0, len(logs))
	for _, ethLog := range logs {
		// Skip removed logs (reorgs)
		if ethLog.Removed {
			continue
		}

		// Convert to LogEntry for decoder
		logEntry := &LogEntry{
			Address:         strings.ToLower(ethLog.Address.Hex()),
			Topics:          make([]string, len(ethLog.Topics)),
			Data:            fmt.Sprintf("0x%x", ethLog.Data),
			BlockNumber:     fmt.Sprintf("0x%x", ethLog.BlockNumber),
			TransactionHash: ethLog.TxHash.Hex(),
			LogIndex:        fmt.Sprintf("0x%x", ethLog.Index),
			Removed:         ethLog.Removed,
		}
		for i, topic := range ethLog.Topics {
			logEntry.Topics[i] = topic.Hex()
		}

		event, err := r.decoder.DecodeSyncEvent(logEntry)
		if err != nil {
			log.Debug().
				Err(err).
				Str("pool", logEntry.Address).
				Uint64("block", ethLog.BlockNumber).
				Msg("Failed to decode Sync event during reconciliation")
			continue
		}

		events = append(events, event)
	}

	return events, nil
}

// CurrentBlock returns the current block number from the RPC.
func (r *Reconciler) CurrentBlock(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}
