package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// SubmitResult captures the outcome of a relayed transaction broadcast.
type SubmitResult struct {
	TxHash common.Hash
	// GasPriceGwei is the node's suggested gas price at submission time,
	// recorded into the circuit breaker by the relay guard.
	GasPriceGwei int64
}

// Submitter broadcasts pre-signed transactions on behalf of agents.
type Submitter interface {
	// SubmitRawTransaction broadcasts RLP-encoded signed bytes and returns
	// the transaction hash together with the current gas price quote.
	SubmitRawTransaction(ctx context.Context, rawTx []byte) (SubmitResult, error)
	// SuggestGasPriceGwei returns the node's current gas price in gwei.
	SuggestGasPriceGwei(ctx context.Context) (int64, error)
}

// IdentityReader reads the on-chain identity registry. An agent whose
// registration completed qualifies for relay tier 1.
type IdentityReader interface {
	RegistrationCompleted(ctx context.Context, agentID string) (bool, error)
}

// Client is the full chain-facing surface a single network exposes.
type Client interface {
	Submitter
	IdentityReader
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
