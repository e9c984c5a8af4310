// Package proofs implements the hashing and signature routines used to attest
// task results: keccak256 result hashes, the packed (taskId, resultHash)
// digest, and EIP-191 personal-message signing and recovery.
package proofs
