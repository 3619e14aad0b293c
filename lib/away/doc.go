/*
Package away implements away mode, the maintenance cycle of a node.

A node asks its peers over a quorum whether it may go away. Once accepted it
turns AWAY_SOON, waits for its own proposals, turns AWAY and pauses its
change pipeline. A single background worker then writes the store snapshot,
seals the open archive segment, persists the global status and prunes the
archive segments the snapshot covers. Afterwards the node serves the peers
waiting for a synchronization and returns to READY.

Only one node of a cluster is away at a time: a peer accepts an away request
only while it is idle, has quorum and sees no other node away.
*/
package away
