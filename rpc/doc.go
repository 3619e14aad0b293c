// Package rpc contains the network side of a dRep node.
//
// The package is organized into several subpackages:
//
//   - proto: the frame format and the package type space.
//
//   - common: the payload Message, the error taxonomy, configuration and logging.
//
//   - serializer: payload codecs (Binary, JSON, GOB).
//
//   - transport: streams with request correlation and timeouts, plus tcp and
//     unix connectors.
//
//   - server: the node itself. It owns the event loop and the cluster state
//     and it dispatches every package by type.
//
//   - client: a small synchronous client used by the command line.
package rpc
