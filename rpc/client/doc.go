// Package client implements a synchronous client for a single dRep node.
//
// A Client keeps one stream to the node and turns every call into a request
// and a blocking wait for its response. Lost connections are dialed again on
// the next call.
//
// The package focuses on:
//   - Ping and Info for monitoring and the CLI
//   - Submitting changes and waiting until the cluster committed them
//   - Helpers for collections, things and cluster membership
//
// Requests that read state are retried after a lost connection or a timeout.
// A change is only retried when it could not be sent at all, because a
// change that timed out may still be committed.
//
// Usage Example:
//
//	c, err := client.New(common.ClientConfig{
//	  Endpoint:      "localhost:9220",
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Close()
//
//	users, _ := c.NewCollection("users")
//	_, err = c.NewThing(users, 42, map[string][]byte{"name": []byte("ada")})
package client
