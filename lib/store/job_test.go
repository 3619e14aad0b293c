package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name string
		job  Job
	}{
		{"set with value", Job{Type: JobSet, Key: "field", Value: []byte("value")}},
		{"new without key", Job{Type: JobNew}},
		{"drop", Job{Type: JobDrop}},
		{"collection", Job{Type: JobNewCollection, Key: "users"}},
		{"node", Job{Type: JobAddNode, Key: "10.0.0.1", Value: []byte{0, 1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.job.Serialize()
			assert.Len(t, data, tt.job.SizeBytes())

			var got Job
			n, err := got.Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, tt.job, got)
		})
	}
}

func TestJobDeserializeSequence(t *testing.T) {
	jobs := []Job{
		{Type: JobNew},
		{Type: JobSet, Key: "a", Value: []byte("1")},
		{Type: JobDel, Key: "a"},
	}
	var data []byte
	for i := range jobs {
		data = jobs[i].AppendTo(data)
	}

	var got []Job
	for len(data) > 0 {
		var j Job
		n, err := j.Deserialize(data)
		require.NoError(t, err)
		got = append(got, j)
		data = data[n:]
	}
	assert.Equal(t, jobs, got)
}

func TestJobDeserializeShort(t *testing.T) {
	job := Job{Type: JobSet, Key: "field", Value: []byte("value")}
	data := job.Serialize()

	for cut := 0; cut < len(data); cut++ {
		var j Job
		_, err := j.Deserialize(data[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestJobType(t *testing.T) {
	assert.True(t, JobAddNode.IsRoot())
	assert.True(t, JobNewCollection.IsRoot())
	assert.False(t, JobSet.IsRoot())
	assert.Equal(t, "del_collection", JobDelCollection.String())
}
