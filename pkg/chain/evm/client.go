package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Client wraps an ethclient with request rate limiting.
type Client struct {
	ethClient *ethclient.Client
	rpcURL    string
	limiter   *rate.Limiter
	multicall common.Address
}

// NewClient dials the RPC endpoint. requestsPerSecond <= 0 disables limiting.
func NewClient(rpcURL string, requestsPerSecond float64) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &Client{
		ethClient: client,
		rpcURL:    rpcURL,
		limiter:   rate.NewLimiter(limit, 1),
		multicall: Multicall3Address,
	}, nil
}

// SetMulticallAddress overrides the Multicall3 deployment used for batches.
func (c *Client) SetMulticallAddress(addr common.Address) {
	c.multicall = addr
}

func (c *Client) Close() {
	c.ethClient.Close()
}

func (c *Client) rateLimit(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}

	result, err := c.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.rateLimit(ctx); err != nil {
		return 0, err
	}
	return c.ethClient.BlockNumber(ctx)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.FilterLogs(ctx, q)
}
