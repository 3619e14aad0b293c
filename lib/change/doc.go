/*
Package change implements the change pipeline of a node.

A change is an ordered list of jobs for one scope (the root scope or a
collection). Local changes first acquire the next change id from a quorum of
peers, see package quorum. Accepted and received changes are queued by id and
applied strictly in order: a change is applied only when its id is ccid+1.

After applying, the change is appended to the archive and the node's scid
follows. Local changes are then broadcast to every peer that receives changes.

Gaps in the id sequence are first requested from a ready peer and given up
after a while, so a lost change cannot stall the node forever. Every method of
Pipeline must be called from the node's event loop.
*/
package change
