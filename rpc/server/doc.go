// Package server runs one node of a dRep cluster.
//
// A Server owns the event loop and every component that runs on it: the node
// registry, the change pipeline, the archive, the store, the away manager and
// both sides of the synchronization. Packages read by the streams are posted
// to the loop and dispatched by their type through a fixed route table, so no
// component needs its own locking.
//
// The package focuses on:
//   - Accepting node and client streams and authenticating peers with the
//     connect handshake
//   - Dialing offline peers with exponential back-off
//   - Dispatching node packages to the pipeline, the away manager and the syncer
//   - Answering client ping, info and change requests
//   - Restoring the local state from the snapshot and the archive on start
//
// Key Components:
//
//   - New: creates a node from a common.ServerConfig and restores its data dir
//     (snapshot, archive segments, global status).
//
//   - Server.Run: binds the listeners, starts the loop and the periodic tick
//     (status broadcast, dialing, gap handling, away negotiation, sync
//     requests) and serves until the context is cancelled.
//
//   - rootApplier: applies committed jobs. Node membership jobs change the
//     registry, all other jobs go to the store.
//
// Usage Example:
//
//	cfg := common.DefaultServerConfig()
//	cfg.NodeID = 0
//	cfg.Members, _ = common.ParseMembers("0=10.0.0.1:9220,1=10.0.0.2:9220,2=10.0.0.3:9220")
//	cfg.Secret = "change me"
//	cfg.Init = true // only on the very first start of a new cluster
//
//	s, err := server.New(cfg, server.Options{})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	if err := s.Run(ctx); err != nil {
//	  log.Fatal(err)
//	}
//
// A node of a multi node cluster starts SYNCHRONIZING and becomes READY once
// a peer in away mode served its sync. On the very first start nobody can
// serve it, so one node is started with Init and the others sync from it.
package server
