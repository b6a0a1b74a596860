package syncproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbit-ai/zeal/internal/v1/crdtdoc"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

func TestHandleMessage_Step1EmptyReplicaYieldsNoReply(t *testing.T) {
	doc := crdtdoc.New()
	body := WriteSyncStep1(doc.StateVector())[1:] // strip the outer tag byte

	resp, err := HandleMessage(doc, body)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHandleMessage_Step1WithDivergenceRepliesStep2(t *testing.T) {
	doc := crdtdoc.New()
	doc.Append([]byte("hello"))

	peerSV := make([]byte, 8) // peer has nothing
	body := WriteSyncStep1(peerSV)[1:]

	resp, err := HandleMessage(doc, body)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, byte(types.TagSync), resp[0])
}

func TestHandleMessage_Step2AppliesUpdate(t *testing.T) {
	source := crdtdoc.New()
	update := source.Append([]byte("payload"))

	dest := crdtdoc.New()
	body := WriteSyncStep2(update)[1:]

	resp, err := HandleMessage(dest, body)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, source.StateVector(), dest.StateVector())
}

func TestHandleMessage_UpdateAppliesUpdate(t *testing.T) {
	source := crdtdoc.New()
	update := source.Append([]byte("fresh"))

	dest := crdtdoc.New()
	body := WriteUpdate(update)[1:]

	resp, err := HandleMessage(dest, body)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, source.StateVector(), dest.StateVector())
}

func TestHandleMessage_UnknownSubTypeIsRejected(t *testing.T) {
	doc := crdtdoc.New()
	body := appendUvarint(nil, 99)

	_, err := HandleMessage(doc, body)
	assert.ErrorIs(t, err, types.ErrSubSyncUnknown)
}

func TestHandleMessage_MalformedFrameIsRejected(t *testing.T) {
	doc := crdtdoc.New()
	_, err := HandleMessage(doc, nil)
	assert.Error(t, err)
}

func TestHandleMessage_MalformedUpdateBodyIsRejected(t *testing.T) {
	doc := crdtdoc.New()
	// sub-type 2 (Update) followed by a bogus length-prefixed blob that
	// claims more bytes than are present.
	body := appendUvarint(nil, uint64(types.SyncUpdate))
	body = appendUvarint(body, 50)
	body = append(body, []byte("short")...)

	_, err := HandleMessage(doc, body)
	assert.ErrorIs(t, err, types.ErrMalformed)
}

func TestCursor_ReadLengthPrefixedRoundTrip(t *testing.T) {
	var buf []byte
	buf = appendUvarint(buf, 3)
	buf = append(buf, []byte("abc")...)

	cur := NewCursor(buf)
	got, err := cur.ReadLengthPrefixed()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.Empty(t, cur.Remaining())
}

func TestCursor_ReadBytes_TruncatedIsMalformed(t *testing.T) {
	cur := NewCursor([]byte{1, 2})
	_, err := cur.ReadBytes(5)
	assert.ErrorIs(t, err, types.ErrMalformed)
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)} {
		buf := appendUvarint(nil, v)
		got, n, err := readUvarint(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}
