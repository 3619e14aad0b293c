package store

import (
	"encoding/binary"
	"fmt"
)

// JobType defines the possible operations on a thing or, in the root scope,
// on the cluster itself
type JobType uint8

const (
	JobNew           JobType = iota + 1 // Create a thing
	JobSet                              // Insert or update a field of a thing
	JobDel                              // Delete a field of a thing
	JobDrop                             // Remove a thing
	JobNewCollection                    // Root: create a collection
	JobDelCollection                    // Root: remove a collection and its things
	JobAddNode                          // Root: add a node to the cluster
	JobDelNode                          // Root: remove a node from the cluster
)

func (jt JobType) String() string {
	switch jt {
	case JobNew:
		return "new"
	case JobSet:
		return "set"
	case JobDel:
		return "del"
	case JobDrop:
		return "drop"
	case JobNewCollection:
		return "new_collection"
	case JobDelCollection:
		return "del_collection"
	case JobAddNode:
		return "add_node"
	case JobDelNode:
		return "del_node"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(jt))
	}
}

// IsRoot reports whether the job targets the root scope
func (jt JobType) IsRoot() bool {
	return jt >= JobNewCollection && jt <= JobDelNode
}

// Job is a single operation of a change
type Job struct {
	Type  JobType
	Key   string // field name, collection name or node address
	Value []byte
}

// jobHeaderSize is type, key length and value length
const jobHeaderSize = 1 + 4 + 4

// SizeBytes returns the exact number of bytes needed to serialize this job
func (job *Job) SizeBytes() int {
	return jobHeaderSize + len(job.Key) + len(job.Value)
}

// AppendTo appends the job with the format:
// 1 byte for job type,
// 4 bytes for key length (big endian),
// 4 bytes for value length (big endian),
// N bytes for key data,
// N bytes for value data
func (job *Job) AppendTo(b []byte) []byte {
	b = append(b, byte(job.Type))
	b = binary.BigEndian.AppendUint32(b, uint32(len(job.Key)))
	b = binary.BigEndian.AppendUint32(b, uint32(len(job.Value)))
	b = append(b, job.Key...)
	return append(b, job.Value...)
}

// Serialize returns the encoded job
func (job *Job) Serialize() []byte {
	return job.AppendTo(make([]byte, 0, job.SizeBytes()))
}

// Deserialize decodes one job from data and returns the number of bytes consumed
func (job *Job) Deserialize(data []byte) (int, error) {
	if len(data) < jobHeaderSize {
		return 0, fmt.Errorf("data too short for job")
	}
	job.Type = JobType(data[0])
	keyLen := int(binary.BigEndian.Uint32(data[1:5]))
	valueLen := int(binary.BigEndian.Uint32(data[5:9]))

	end := jobHeaderSize + keyLen + valueLen
	if keyLen < 0 || valueLen < 0 || len(data) < end {
		return 0, fmt.Errorf("data too short for job with key of length %d and value of length %d", keyLen, valueLen)
	}

	job.Key = string(data[jobHeaderSize : jobHeaderSize+keyLen])
	if valueLen > 0 {
		job.Value = make([]byte, valueLen)
		copy(job.Value, data[jobHeaderSize+keyLen:end])
	} else {
		job.Value = nil
	}
	return end, nil
}

func (job Job) String() string {
	return fmt.Sprintf("%s(%q, %d bytes)", job.Type, job.Key, len(job.Value))
}
