// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments. Uniqueness invariants are
// enforced with conditional SET NX writes, and per-client index sets drive
// batched cascade deletion.
package valkey
