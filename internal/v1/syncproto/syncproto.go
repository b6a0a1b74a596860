// Package syncproto implements the framed protocol nested inside every
// tag-0 (sync) envelope: a leading varint sub-type followed by a
// sub-type-specific body. Framing is grounded on original_source's
// sync_protocol.rs (read_sync_message / write_sync_step1 / write_sync_step2
// / write_update), reproduced here as plain-Go varint decoding rather than
// the yrs/lib0 cursor API the Rust source uses.
package syncproto

import (
	"github.com/offbit-ai/zeal/internal/v1/crdtdoc"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

// Cursor reads varints and length-prefixed buffers from left to right,
// erroring on truncation or clock overflow past 64 bits.
type Cursor struct {
	buf []byte
	pos int
}

func NewCursor(buf []byte) *Cursor { return &Cursor{buf: buf} }

func (c *Cursor) ReadUvarint() (uint64, error) {
	v, n, err := readUvarint(c.buf[c.pos:])
	if err != nil {
		return 0, types.ErrMalformed
	}
	c.pos += n
	return v, nil
}

func (c *Cursor) ReadBytes(n uint64) ([]byte, error) {
	if n > uint64(len(c.buf)-c.pos) {
		return nil, types.ErrMalformed
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

// ReadLengthPrefixed reads a varint length followed by that many raw bytes.
func (c *Cursor) ReadLengthPrefixed() ([]byte, error) {
	n, err := c.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return c.ReadBytes(n)
}

func (c *Cursor) Remaining() []byte { return c.buf[c.pos:] }

// HandleMessage dispatches a sync sub-message against a replica. body is
// everything after the outer tag-0 byte. It returns the bytes to wrap in
// a tag-0 envelope and send back to the sender only (nil if nothing
// should be sent back).
func HandleMessage(doc *crdtdoc.Doc, body []byte) ([]byte, error) {
	cur := NewCursor(body)
	subType, err := cur.ReadUvarint()
	if err != nil {
		return nil, types.ErrMalformed
	}

	switch types.SyncSubType(subType) {
	case types.SyncStep1:
		stateVector, err := cur.ReadLengthPrefixed()
		if err != nil {
			return nil, types.ErrMalformed
		}
		diff := doc.Diff(stateVector)
		if len(diff) == 0 {
			return nil, nil
		}
		return WriteSyncStep2(diff), nil

	case types.SyncStep2:
		update, err := cur.ReadLengthPrefixed()
		if err != nil {
			return nil, types.ErrMalformed
		}
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, types.ErrMalformed
		}
		return nil, nil

	case types.SyncUpdate:
		update, err := cur.ReadLengthPrefixed()
		if err != nil {
			return nil, types.ErrMalformed
		}
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, types.ErrMalformed
		}
		return nil, nil

	default:
		return nil, types.ErrSubSyncUnknown
	}
}

// WriteSyncStep1 frames a state-vector request: tag 0, sub-type 0,
// length-prefixed state vector.
func WriteSyncStep1(stateVector []byte) []byte {
	out := []byte{byte(types.TagSync)}
	out = appendUvarint(out, uint64(types.SyncStep1))
	out = appendUvarint(out, uint64(len(stateVector)))
	out = append(out, stateVector...)
	return out
}

// WriteSyncStep2 frames a diff response: tag 0, sub-type 1, length-prefixed
// update bytes.
func WriteSyncStep2(update []byte) []byte {
	out := []byte{byte(types.TagSync)}
	out = appendUvarint(out, uint64(types.SyncStep2))
	out = appendUvarint(out, uint64(len(update)))
	out = append(out, update...)
	return out
}

// WriteUpdate frames a freshly produced update: tag 0, sub-type 2,
// length-prefixed update bytes.
func WriteUpdate(update []byte) []byte {
	out := []byte{byte(types.TagSync)}
	out = appendUvarint(out, uint64(types.SyncUpdate))
	out = appendUvarint(out, uint64(len(update)))
	out = append(out, update...)
	return out
}
