// Package cmd implements the command-line interface of dRep. It provides a
// hierarchical command structure for running a node and for talking to a
// running cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a node and maps flags and DREP_* variables to its configuration
//   - data: Changes collections and things (new-collection, new, set, del, perf)
//   - node: Ping, info and cluster membership (add, del)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See drep -help for a list of all commands.
package cmd
