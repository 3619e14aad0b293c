// Package cluster holds the node registry.
//
// A Cluster owns one Node per member in id order, including the node of this
// process (Self). It answers the questions the rest of the system asks about
// membership: how many accepts a proposal needs (QuorumSize), whether enough
// nodes are reachable (HasQuorum), which peer to ask for a missing change or a
// sync, and why no quorum is available (NotReadyErr).
//
// The cluster wide low-water marks CCID and SCID are the minimum over every
// node. They never regress, not even across a restart, because the last value
// is persisted in a 16 byte file and used as the floor when the node starts.
//
// Node status values are bit flags ordered by readiness:
//
//	OFFLINE < CONNECTING < CONNECTED < BUILDING < SHUTTING_DOWN
//	      < SYNCHRONIZING < AWAY < AWAY_SOON < READY
//
// Everything above SHUTTING_DOWN is reachable.
package cluster
