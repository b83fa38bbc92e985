package uniswapv2

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenPair is an unordered pair of tokens stored in canonical order
// (Token0 sorts before Token1 by address bytes).
type TokenPair struct {
	Token0 common.Address
	Token1 common.Address
}

// NewTokenPair builds a canonical pair regardless of argument order.
func NewTokenPair(a, b common.Address) TokenPair {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return TokenPair{Token0: a, Token1: b}
}

// ParseTokenPair parses two hex addresses into a canonical pair.
func ParseTokenPair(a, b string) (TokenPair, error) {
	if !common.IsHexAddress(a) {
		return TokenPair{}, fmt.Errorf("invalid token address %q", a)
	}
	if !common.IsHexAddress(b) {
		return TokenPair{}, fmt.Errorf("invalid token address %q", b)
	}
	p := NewTokenPair(common.HexToAddress(a), common.HexToAddress(b))
	if p.Token0 == p.Token1 {
		return TokenPair{}, fmt.Errorf("pair tokens must differ: %s", p.Token0.Hex())
	}
	return p, nil
}

// Key returns the canonical identity of the pair.
func (p TokenPair) Key() string {
	return strings.ToLower(p.Token0.Hex()) + "/" + strings.ToLower(p.Token1.Hex())
}

func (p TokenPair) String() string {
	return p.Key()
}

// Factory identifies a V2 factory deployment. Factory address plus init code
// hash is enough to derive the address of any pair.
type Factory struct {
	Address      common.Address
	InitCodeHash common.Hash
}

// LiquidityToken returns the CREATE2 address of the pair contract, which is
// also the pool-share (LP) token.
func (f Factory) LiquidityToken(p TokenPair) common.Address {
	salt := crypto.Keccak256Hash(p.Token0.Bytes(), p.Token1.Bytes())
	return crypto.CreateAddress2(f.Address, salt, f.InitCodeHash.Bytes())
}

// Pair bundles a token pair with its derived LP token.
func (f Factory) Pair(p TokenPair) Pair {
	return Pair{TokenPair: p, LiquidityToken: f.LiquidityToken(p)}
}

// Pairs derives LP tokens for a list of token pairs, keeping order.
func (f Factory) Pairs(pairs []TokenPair) []Pair {
	out := make([]Pair, len(pairs))
	for i, p := range pairs {
		out[i] = f.Pair(p)
	}
	return out
}

// Pair is a token pair with its LP token address.
type Pair struct {
	TokenPair
	LiquidityToken common.Address
}
