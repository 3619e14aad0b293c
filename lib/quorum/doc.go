// Package quorum implements the accept/reject collector used for change id
// acquisition and away mode negotiation.
//
// A Quorum resolves exactly once: as soon as enough peers accepted, as soon as
// enough accepts became impossible, or when every peer answered. In a cluster
// with an even number of nodes a vote that ends exactly one accept short is
// decided by Winner when a rival node was named by a collision.
package quorum
