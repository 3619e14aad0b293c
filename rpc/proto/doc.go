// Package proto defines the wire format shared by nodes and clients.
//
// Every message is a frame with an 8 byte header followed by the payload:
//
//	+----------------+---------+------+-------+----------------
//	| length uint32  | id u16  | type | check | payload ...
//	+----------------+---------+------+-------+----------------
//
// The check byte is the type xor 0xff. A frame whose check byte does not match,
// or whose length exceeds MaxSize, is corrupt and the connection carrying it is
// dropped.
//
// The type byte partitions into families:
//
//	  0- 15  client fire-and-forget
//	 16- 31  node -> client push
//	 32- 47  client requests
//	 64- 95  client responses
//	 96-127  client errors
//	128-159  node fire-and-forget
//	160-191  node requests
//	192-223  node responses
//	224-255  node errors
//
// A response carries the correlation id of its request. The payload encoding is
// chosen by the serializer package and is opaque to this package.
package proto
