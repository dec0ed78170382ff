// Package storage provides implementations of the types.Storage snapshot
// collaborator. The coordination layer treats persistence as a black box:
// snapshots are loaded at cluster activation and saved at release, never
// per-tick.
package storage
