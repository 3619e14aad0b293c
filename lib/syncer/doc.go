/*
Package syncer brings a lagging node up to date.

A node that (re)joins the cluster starts SYNCHRONIZING and asks an away peer
for every change after its own ccid. The away peer answers in up to three
phases:

  - full: the snapshot written by the away cycle, sent in chunks, when the
    archive no longer holds the first missing change
  - archive: every sealed archive segment from the next missing change on,
    sent in chunks and applied once all segments arrived
  - events: the changes of the open archive segment, one request each

Every chunk is acknowledged with the next offset before the following one is
sent, so the receiver can reject parts that do not continue its file. A lost
stream drops the sync on both sides, the receiver asks again on its next tick
and continues after the changes it already applied.
*/
package syncer
