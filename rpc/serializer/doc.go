// Package serializer converts the payload Message to bytes and back.
//
// Key Components:
//
//   - IRPCSerializer: the interface all serializers satisfy.
//
//   - binarySerializerImpl: a flag word followed by the present fields. Zero
//     valued fields cost nothing, which keeps the frequent small packages
//     (change id requests, chunk responses, info broadcasts) a few bytes long.
//     This is the default.
//
//   - jsonSerializerImpl: readable payloads for debugging.
//
//   - gobSerializerImpl: Go's gob encoding, mostly for comparison.
//
// All serializers are stateless and safe for concurrent use. All nodes of a
// cluster must use the same serializer.
//
// Usage:
//
//	s, err := serializer.ByName("binary")
//	data, err := s.Serialize(*common.NewChangeIDRequest(42))
//	var msg common.Message
//	err = s.Deserialize(data, &msg)
package serializer
