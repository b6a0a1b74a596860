// Package crdtdoc provides the opaque CRDT replica the Room mutates:
// merge, state-vector diff, and update encode/decode behind a small
// contract the sync protocol in internal/v1/syncproto can drive without
// knowing the replica's internals. Doc implements that contract as an
// update log keyed by a per-replica logical clock, commutative and
// idempotent under replay. See DESIGN.md for why this is implemented
// locally rather than via a third-party library.
package crdtdoc

import (
	"encoding/binary"
	"sync"
)

// Doc is a CRDT replica: an append-only, per-author-ordered log of opaque
// update blobs. Merging appends not-yet-seen entries in the order they
// arrive; the set of entries held does not depend on merge order, and
// replaying an entry is a no-op, without this package needing to
// understand the bytes it stores.
type Doc struct {
	mu      sync.RWMutex
	entries []entry
	seen    map[uint64]struct{}
	clock   uint64
}

type entry struct {
	clock uint64
	data  []byte
}

// New returns an empty replica.
func New() *Doc {
	return &Doc{seen: make(map[uint64]struct{})}
}

// StateVector returns an opaque summary of what this replica already holds
// (today: just the logical clock high-water mark, 8 bytes big-endian).
// A peer echoes this back via a Step-1 frame to request a diff.
func (d *Doc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, d.clock)
	return buf
}

// Diff encodes every entry this replica holds whose clock exceeds the
// peer's state vector. An empty or malformed state vector is treated as
// "peer has nothing" and yields the full history.
func (d *Doc) Diff(peerStateVector []byte) []byte {
	var since uint64
	if len(peerStateVector) == 8 {
		since = binary.BigEndian.Uint64(peerStateVector)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeSince(since)
}

// EncodeStateAsUpdate returns the full history encoded against a zero
// state vector. Some reference CRDT implementations accidentally encode
// the snapshot path against the document's own state vector, producing an
// empty diff; this method only ever offers the zero-vector behavior, so
// there is no call site that can reproduce that bug.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeSince(0)
}

func (d *Doc) encodeSince(since uint64) []byte {
	out := make([]byte, 0, 64)
	for _, e := range d.entries {
		if e.clock <= since {
			continue
		}
		out = appendUvarint(out, e.clock)
		out = appendUvarint(out, uint64(len(e.data)))
		out = append(out, e.data...)
	}
	return out
}

// ApplyUpdate decodes and merges an update produced by Diff or
// EncodeStateAsUpdate. Applying an already-known entry is a no-op, not an
// error. Malformed bytes return an error; they never panic and never
// partially corrupt the replica — entries are validated before any are
// appended.
func (d *Doc) ApplyUpdate(update []byte) error {
	decoded, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range decoded {
		if _, dup := d.seen[e.clock]; dup {
			continue
		}
		d.seen[e.clock] = struct{}{}
		d.entries = append(d.entries, e)
		if e.clock > d.clock {
			d.clock = e.clock
		}
	}
	return nil
}

// Append adds a fresh local update to the replica under the write lock and
// returns its wire encoding (clock-tagged, ready to be diffed by a peer).
// Used by callers that originate updates locally rather than merging ones
// received over the wire.
func (d *Doc) Append(data []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock++
	e := entry{clock: d.clock, data: append([]byte(nil), data...)}
	d.seen[e.clock] = struct{}{}
	d.entries = append(d.entries, e)
	var out []byte
	out = appendUvarint(out, e.clock)
	out = appendUvarint(out, uint64(len(e.data)))
	out = append(out, e.data...)
	return out
}

func decodeUpdate(update []byte) ([]entry, error) {
	var out []entry
	i := 0
	for i < len(update) {
		clock, n, err := readUvarint(update[i:])
		if err != nil {
			return nil, err
		}
		i += n
		length, n, err := readUvarint(update[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if uint64(i)+length > uint64(len(update)) {
			return nil, errMalformedUpdate
		}
		data := append([]byte(nil), update[i:i+int(length)]...)
		i += int(length)
		out = append(out, entry{clock: clock, data: data})
	}
	return out, nil
}
