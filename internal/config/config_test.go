package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"lpwatch/pkg/dex/uniswapv2"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("ACCOUNT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, int64(1), cfg.Chain.ChainID)
	require.Equal(t, uniswapv2.DefaultFactoryAddress, cfg.Factory().Address)
	require.Equal(t, uniswapv2.DefaultInitCodeHash, cfg.Factory().InitCodeHash)
	require.Equal(t, 15*time.Second, cfg.Refresh.Interval)
	require.Len(t, cfg.Pairs.Bases, 3)
	require.Nil(t, cfg.AccountAddress())
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_RPC", "http://node:8545")
	t.Setenv("ACCOUNT", "")

	path := writeConfig(t, `
chain:
  rpc_url: ${TEST_RPC}
  ws_url: ws://node:8546
account: "0x1111111111111111111111111111111111111111"
pairs:
  pinned:
    - ["0x000000000000000000000000000000000000000a", "0x000000000000000000000000000000000000000b"]
staking:
  programs:
    - token_a: "0x000000000000000000000000000000000000000a"
      token_b: "0x000000000000000000000000000000000000000b"
      rewards: "0x00000000000000000000000000000000000000f1"
refresh:
  interval: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "http://node:8545", cfg.Chain.RPCURL)
	require.Equal(t, "ws://node:8546", cfg.Chain.WSURL)
	require.Equal(t, 5*time.Second, cfg.Refresh.Interval)
	require.Len(t, cfg.Pairs.Pinned, 1)
	require.Len(t, cfg.Staking.Programs, 1)
	require.NotNil(t, cfg.AccountAddress())
	require.Equal(t, "0x1111111111111111111111111111111111111111", cfg.AccountAddress().Hex())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "http://override:8545")
	t.Setenv("ACCOUNT", "0x2222222222222222222222222222222222222222")
	t.Setenv("API_PORT", "9001")
	t.Setenv("LOG_LEVEL", "DEBUG")

	path := writeConfig(t, "chain:\n  rpc_url: http://file:8545\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "http://override:8545", cfg.Chain.RPCURL)
	require.Equal(t, 9001, cfg.API.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.AccountAddress())
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("RPC_URL", "")
	t.Setenv("ACCOUNT", "")

	cases := map[string]string{
		"missing rpc":     "chain:\n  rpc_url: \"\"\n",
		"bad account":     "chain:\n  rpc_url: http://x\naccount: nope\n",
		"bad init hash":   "chain:\n  rpc_url: http://x\ncontracts:\n  init_code_hash: \"0x1234\"\n",
		"bad pinned pair": "chain:\n  rpc_url: http://x\npairs:\n  pinned:\n    - [\"0x1\", \"0x2\"]\n",
		"bad program":     "chain:\n  rpc_url: http://x\nstaking:\n  programs:\n    - token_a: \"0x1\"\n",
		"zero batch":      "chain:\n  rpc_url: http://x\nrefresh:\n  batch_size: 0\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
