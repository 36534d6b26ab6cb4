// Package web3 defines the chain-facing collaborator interfaces used by the
// relay guard: raw transaction submission, gas price quotes feeding the gas
// circuit breaker, and identity-registry reads feeding tier computation.
// Concrete EVM clients live in the ethereum subpackage; multi-chain endpoint
// definitions load from YAML.
package web3
