package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// filled returns a store with two collections and a few things
func filled(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.Apply(RootScope, 1, Job{Type: JobNewCollection, Key: "users"}))
	require.NoError(t, s.Apply(RootScope, 2, Job{Type: JobNewCollection, Key: "orders"}))

	for thing := uint64(10); thing < 15; thing++ {
		require.NoError(t, s.Apply(1, thing, Job{Type: JobNew}))
		require.NoError(t, s.Apply(1, thing, Job{Type: JobSet, Key: "name", Value: []byte("user")}))
		require.NoError(t, s.Apply(1, thing, Job{Type: JobSet, Key: "age", Value: []byte{byte(thing)}}))
	}
	require.NoError(t, s.Apply(2, 99, Job{Type: JobNew}))
	require.NoError(t, s.Apply(2, 99, Job{Type: JobSet, Key: "empty", Value: []byte{}}))
	return s
}

func TestApplyJobs(t *testing.T) {
	s := filled(t)

	thing, ok := s.Get(1, 12)
	require.True(t, ok)
	assert.Equal(t, Thing{"name": []byte("user"), "age": []byte{12}}, thing)

	require.NoError(t, s.Apply(1, 12, Job{Type: JobDel, Key: "age"}))
	thing, _ = s.Get(1, 12)
	assert.Equal(t, Thing{"name": []byte("user")}, thing)

	require.NoError(t, s.Apply(1, 12, Job{Type: JobDrop}))
	_, ok = s.Get(1, 12)
	assert.False(t, ok)

	assert.Equal(t, []CollectionInfo{
		{ID: 1, Name: "users", Things: 4},
		{ID: 2, Name: "orders", Things: 1},
	}, s.Collections())

	id, ok := s.CollectionByName("orders")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, uint64(3), s.NextCollectionID())

	require.NoError(t, s.Apply(RootScope, 2, Job{Type: JobDelCollection}))
	assert.False(t, s.HasScope(2))
	assert.True(t, s.HasScope(RootScope))
}

func TestApplyErrors(t *testing.T) {
	s := filled(t)

	tests := []struct {
		name  string
		scope uint64
		thing uint64
		job   Job
		want  error
	}{
		{"unknown collection", 7, 1, Job{Type: JobNew}, common.ErrLookup},
		{"thing exists", 1, 10, Job{Type: JobNew}, common.ErrLookup},
		{"set unknown thing", 1, 1000, Job{Type: JobSet, Key: "x"}, common.ErrLookup},
		{"del unknown thing", 1, 1000, Job{Type: JobDel, Key: "x"}, common.ErrLookup},
		{"drop unknown thing", 1, 1000, Job{Type: JobDrop}, common.ErrLookup},
		{"root job in collection", 1, 10, Job{Type: JobNewCollection}, common.ErrBadData},
		{"duplicate collection id", RootScope, 1, Job{Type: JobNewCollection, Key: "other"}, common.ErrLookup},
		{"duplicate collection name", RootScope, 5, Job{Type: JobNewCollection, Key: "users"}, common.ErrLookup},
		{"reserved collection id", RootScope, 0, Job{Type: JobNewCollection, Key: "root"}, common.ErrBadData},
		{"unknown collection delete", RootScope, 5, Job{Type: JobDelCollection}, common.ErrLookup},
		{"node job", RootScope, 3, Job{Type: JobAddNode}, common.ErrBadData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Apply(tt.scope, tt.thing, tt.job), tt.want)
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := filled(t)
	thing, _ := s.Get(1, 10)
	thing["name"][0] = 'X'
	thing["new"] = nil

	again, _ := s.Get(1, 10)
	assert.Equal(t, []byte("user"), again["name"])
	assert.NotContains(t, again, "new")
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := filled(t)

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf, 42))

	loaded := New()
	ccid, err := loaded.Load(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ccid)
	assert.Equal(t, s.Collections(), loaded.Collections())

	thing, ok := loaded.Get(1, 14)
	require.True(t, ok)
	assert.Equal(t, Thing{"name": []byte("user"), "age": []byte{14}}, thing)

	// equal stores produce equal snapshots
	var again bytes.Buffer
	require.NoError(t, loaded.Save(&again, 42))
	assert.Equal(t, buf.Bytes(), again.Bytes())
}

func TestSnapshotCorrupt(t *testing.T) {
	s := filled(t)
	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf, 7))
	data := buf.Bytes()

	flipped := bytes.Clone(data)
	flipped[len(flipped)-20] ^= 0xff
	_, err := New().Load(bytes.NewReader(flipped))
	assert.Error(t, err)

	_, err = New().Load(bytes.NewReader(data[:len(data)-3]))
	assert.Error(t, err)

	_, err = New().Load(bytes.NewReader(data[:20]))
	assert.Error(t, err)

	bad := bytes.Clone(data)
	bad[0] = 'X'
	_, err = New().Load(bytes.NewReader(bad))
	assert.ErrorContains(t, err, "magic number")

	// a failed load keeps the old content
	target := filled(t)
	_, err = target.Load(bytes.NewReader(flipped))
	assert.Error(t, err)
	assert.Len(t, target.Collections(), 2)
}

func TestSnapshotChecksum(t *testing.T) {
	s := filled(t)
	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf, 7))
	data := buf.Bytes()
	data[len(data)-1] ^= 0x01

	_, err := New().Load(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store", "snapshot.bin")

	ccid, err := New().LoadFile(path)
	require.NoError(t, err)
	assert.Zero(t, ccid)

	s := filled(t)
	require.NoError(t, s.SaveFile(path, 1234))

	loaded := New()
	ccid, err = loaded.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), ccid)
	assert.Equal(t, s.Collections(), loaded.Collections())

	ccid, err = SnapshotCCID(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), ccid)

	_, err = SnapshotCCID(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
