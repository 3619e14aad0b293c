package proto

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageWriteRead(t *testing.T) {
	tests := []struct {
		name string
		pkg  *Package
	}{
		{"empty payload", New(NodeInfo, 0, nil)},
		{"request", New(NodeReqChangeID, 42, []byte("payload"))},
		{"max id", New(NodeResSyncFPart, 0xffff, bytes.Repeat([]byte{7}, 4096))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, tt.pkg))
			assert.Equal(t, HeaderSize+len(tt.pkg.Data), buf.Len())

			got, err := Read(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.pkg.ID, got.ID)
			assert.Equal(t, tt.pkg.Type, got.Type)
			assert.Equal(t, len(tt.pkg.Data), len(got.Data))
			if len(tt.pkg.Data) > 0 {
				assert.Equal(t, tt.pkg.Data, got.Data)
			}
		})
	}
}

func TestPackageSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 10; i++ {
		require.NoError(t, Write(&buf, New(NodeChange, uint16(i), []byte{byte(i)})))
	}
	for i := 0; i < 10; i++ {
		p, err := Read(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), p.ID)
		assert.Equal(t, []byte{byte(i)}, p.Data)
	}
	_, err := Read(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPackageBadCheckByte(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, New(NodeInfo, 1, []byte("x"))))
	raw := buf.Bytes()
	raw[7] ^= 0x01

	_, err := Read(bytes.NewReader(raw), 0)
	assert.ErrorIs(t, err, ErrBadCheck)
}

func TestPackageOversized(t *testing.T) {
	h := New(NodeChange, 1, nil).Header()
	binary.BigEndian.PutUint32(h[0:4], 1024)

	_, err := Read(bytes.NewReader(h[:]), 512)
	assert.ErrorIs(t, err, ErrTooLarge)

	binary.BigEndian.PutUint32(h[0:4], MaxSize+1)
	_, err = Read(bytes.NewReader(h[:]), 0)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPackageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, New(NodeChange, 1, []byte("0123456789"))))
	raw := buf.Bytes()[:HeaderSize+4]

	_, err := Read(bytes.NewReader(raw), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTypeCategories(t *testing.T) {
	tests := []struct {
		tp       Type
		cat      Category
		response bool
		isErr    bool
	}{
		{ClientReqPing, CatClientRequest, false, false},
		{ClientResInfo, CatClientResponse, true, false},
		{ClientErr, CatClientError, true, true},
		{NodeSyncAbort, CatNodeFAF, false, false},
		{NodeChange, CatNodeFAF, false, false},
		{NodeInfo, CatNodeFAF, false, false},
		{NodeReqConnect, CatNodeRequest, false, false},
		{NodeReqSyncEDone, CatNodeRequest, false, false},
		{NodeResAccept, CatNodeResponse, true, false},
		{NodeResSyncEDone, CatNodeResponse, true, false},
		{NodeErrCollision, CatNodeError, true, true},
		{Type(5), CatClientFAF, false, false},
		{Type(20), CatClientPush, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.tp.String(), func(t *testing.T) {
			assert.Equal(t, tt.cat, tt.tp.Category())
			assert.Equal(t, tt.response, tt.tp.IsResponse())
			assert.Equal(t, tt.isErr, tt.tp.IsError())
		})
	}
}

func TestResponseFor(t *testing.T) {
	assert.Equal(t, NodeResConnect, ResponseFor(NodeReqConnect))
	assert.Equal(t, NodeResChangeID, ResponseFor(NodeReqChangeID))
	assert.Equal(t, NodeResAccept, ResponseFor(NodeReqAway))
	assert.Equal(t, NodeResSyncEDone, ResponseFor(NodeReqSyncEDone))
	assert.Equal(t, ClientResChange, ResponseFor(ClientReqChange))
	assert.Equal(t, Type(0), ResponseFor(NodeChange))
}

func TestTypeJSON(t *testing.T) {
	b, err := NodeReqSync.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"node-req-sync"`, string(b))

	var tp Type
	require.NoError(t, tp.UnmarshalJSON(b))
	assert.Equal(t, NodeReqSync, tp)

	assert.Error(t, tp.UnmarshalJSON([]byte(`"nope"`)))
	assert.Equal(t, "unknown(99)", Type(99).String())
}
