// Package util provides the generic containers the event driven parts of the
// node are built on.
//
//   - MapHeap: a min-heap indexed by key. The change pipeline keeps its
//     accepted changes in it, ordered by change id, and finds a change by id
//     when a peer asks for a missing one.
//   - MPSC: an unbounded lock-free multi-producer single-consumer queue. It
//     feeds the event loop and the write side of every stream.
package util
