package commitlog

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	in := &Commit{
		CommitID:  42,
		Type:      CommitMessageDelivered,
		Payload:   json.RawMessage(`{"endpoint":3,"tag":4096}`),
		PreState:  Hash{0xaa, 0xbb},
		PostState: Hash{0xcc, 0xdd},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, in))

	out, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.CommitID, out.CommitID)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, []byte(in.Payload), []byte(out.Payload))
	assert.Equal(t, in.PreState, out.PreState)
	assert.Equal(t, in.PostState, out.PostState)

	_, err = ReadRecord(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecordEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, &Commit{CommitID: 1, Type: CommitTick}))

	out, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
}

func TestReadRecordTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, &Commit{
		CommitID: 1,
		Type:     CommitSyscallRequest,
		Payload:  json.RawMessage(`{"pid":1}`),
	}))

	raw := buf.Bytes()
	for _, cut := range []int{5, 14, len(raw) - 1} {
		_, err := ReadRecord(bytes.NewReader(raw[:cut]))
		assert.ErrorIs(t, err, ErrTruncatedRecord, "cut at %d", cut)
	}
}

func TestWriteAllReadAll(t *testing.T) {
	commits := []*Commit{
		{CommitID: 1, Type: CommitSyscallRequest, Payload: json.RawMessage(`{"a":1}`)},
		{CommitID: 2, Type: CommitSyscallResponse, Payload: json.RawMessage(`{"b":2}`)},
		{CommitID: 3, Type: CommitTick, Payload: json.RawMessage(`{"now":5}`)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteAll(&buf, commits))

	out, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := range commits {
		assert.Equal(t, commits[i].CommitID, out[i].CommitID)
		assert.Equal(t, commits[i].Type, out[i].Type)
	}
}
