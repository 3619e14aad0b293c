// Package store holds the replicated state: collections of things, each thing
// a set of named fields.
//
// The store knows nothing about ordering. The change pipeline calls Apply for
// every job of a committed change, strictly in change id order, so every node
// ends up with the same content. Jobs of the root scope create and remove
// collections; node membership jobs are handled by the server before they
// reach the store.
//
// A snapshot (Save/Load) is the opaque blob the full phase of a sync transfers:
//
//	magic | version | ccid | collections ... | xxhash64 footer
//
// Everything is written in sorted order, equal stores produce equal bytes.
package store
