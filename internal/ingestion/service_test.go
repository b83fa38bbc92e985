package ingestion

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const syncData = "0x" +
	"00000000000000000000000000000000000000000000000000000000000003e8" + // 1000
	"00000000000000000000000000000000000000000000000000000000000007d0" // 2000

func logNotification(t *testing.T, entry LogEntry) Notification {
	t.Helper()

	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	return Notification{Kind: KindLogs, Result: raw}
}

func TestSetTrackedPoolsNormalizesAndSignals(t *testing.T) {
	s := NewService("ws://test", &recordingSink{}, nil)

	s.SetTrackedPools([]string{"0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"})
	require.Equal(t, 1, s.TrackedPoolCount())
	require.True(t, s.IsTracked("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))
	require.Len(t, s.resubscribe, 1)

	// unchanged set does not signal again
	<-s.resubscribe
	s.SetTrackedPools([]string{"0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"})
	require.Len(t, s.resubscribe, 0)

	s.SetTrackedPools(nil)
	require.Equal(t, 0, s.TrackedPoolCount())
	require.Len(t, s.resubscribe, 1)
}

func TestProcessSyncForTrackedPool(t *testing.T) {
	sink := &recordingSink{accept: true}
	s := NewService("ws://test", sink, nil)

	pool := "0x00000000000000000000000000000000000000a1"
	s.SetTrackedPools([]string{pool})

	s.processMessage(logNotification(t, LogEntry{
		Address:     pool,
		Topics:      []string{SyncEventTopic.Hex()},
		Data:        syncData,
		BlockNumber: "0x64",
		LogIndex:    "0x0",
	}))

	require.Len(t, sink.updates, 1)
	require.Equal(t, common.HexToAddress(pool), sink.updates[0].PoolAddress)
	require.Equal(t, int64(1000), sink.updates[0].Reserve0.Int64())
	require.Equal(t, int64(2000), sink.updates[0].Reserve1.Int64())
	require.Equal(t, uint64(100), s.LastBlockNumber())
}

func TestProcessSyncSkipsUntrackedAndRemoved(t *testing.T) {
	sink := &recordingSink{accept: true}
	s := NewService("ws://test", sink, nil)
	s.SetTrackedPools([]string{"0x00000000000000000000000000000000000000a1"})

	s.processMessage(logNotification(t, LogEntry{
		Address:     "0x00000000000000000000000000000000000000b2",
		Topics:      []string{SyncEventTopic.Hex()},
		Data:        syncData,
		BlockNumber: "0x64",
		LogIndex:    "0x0",
	}))
	s.processMessage(logNotification(t, LogEntry{
		Address:     "0x00000000000000000000000000000000000000a1",
		Topics:      []string{SyncEventTopic.Hex()},
		Data:        syncData,
		BlockNumber: "0x65",
		LogIndex:    "0x0",
		Removed:     true,
	}))

	require.Empty(t, sink.updates)
}

func TestProcessHeadNotifies(t *testing.T) {
	s := NewService("ws://test", &recordingSink{}, nil)

	var heads []uint64
	s.OnHead(func(block uint64) { heads = append(heads, block) })

	s.processMessage(Notification{Kind: KindHeads, Result: json.RawMessage(`{"number":"0x10","hash":"0x1"}`)})
	s.processMessage(Notification{Kind: KindHeads, Result: json.RawMessage(`{"number":"0xf","hash":"0x2"}`)})
	s.processMessage(Notification{Kind: KindHeads, Result: json.RawMessage(`{}`)})

	require.Equal(t, []uint64{16, 15}, heads)
	require.Equal(t, uint64(16), s.LastBlockNumber())
}

func TestRouteNotifications(t *testing.T) {
	c := NewWSClient("ws://test")
	c.pending[1] = KindHeads
	c.pending[2] = KindLogs

	c.confirm(1, json.RawMessage(`"0xsubheads"`))
	c.confirm(2, json.RawMessage(`"0xsublogs"`))
	c.confirm(3, json.RawMessage(`"0xunknown"`))
	require.Len(t, c.subscriptions, 2)
	require.Empty(t, c.pending)

	n, ok := c.route(json.RawMessage(`{"subscription":"0xsublogs","result":{"address":"0x1"}}`))
	require.True(t, ok)
	require.Equal(t, KindLogs, n.Kind)
	require.JSONEq(t, `{"address":"0x1"}`, string(n.Result))

	_, ok = c.route(json.RawMessage(`{"subscription":"0xother","result":{}}`))
	require.False(t, ok)
}

func TestCalculateBackoff(t *testing.T) {
	require.Equal(t, initialBackoff*2, calculateBackoff(1))
	require.Equal(t, maxBackoff, calculateBackoff(10))
}
