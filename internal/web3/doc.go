// Package web3 houses blockchain connectivity: the chain reader used by the
// dispatcher to follow payment confirmations, the transactor used by the
// payment submitter, RPC error classification and multi-chain configuration
// helpers.
package web3
