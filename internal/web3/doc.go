// Package web3 describes how decided tips leave the engine: the Transfer
// value, the Submitter contract every chain backend implements, and the
// chain definitions (RPC endpoints plus per-chain token tables) used to
// route transfers and to resolve token decimals.
package web3
