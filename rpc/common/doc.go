// Package common provides the data structures shared by the node, the client
// and the command line.
//
// Key Components:
//
//   - Message: the payload of every package. Which fields are set depends on
//     the package type carried by the frame header. Factory functions build the
//     payloads of the cluster protocol.
//
//   - Error / ErrorCode: the error taxonomy of the cluster (protocol, auth,
//     node, quorum, lookup, ...). Codes travel inside error packages, so a
//     remote failure can be inspected with errors.Is on the requesting side.
//
//   - ServerConfig / ClientConfig: configuration of a node and of the admin
//     client, including per operation Timeouts and socket options.
//
//   - Logger: a formatter installed into dragonboat's logger factory so every
//     package logger prints in the same format.
package common
