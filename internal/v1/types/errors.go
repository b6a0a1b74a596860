package types

import (
	"errors"
	"fmt"
)

// Error taxonomy (kinds, not type names) per the error handling design:
// cache and decode errors are always recovered locally and never surfaced
// to a client; only ErrAtCapacity is client-visible.
var (
	// ErrMalformed: inbound bytes failed framing/decoding.
	ErrMalformed = errors.New("malformed frame")
	// ErrAtCapacity: join denied, room already holds max_clients_per_room.
	ErrAtCapacity = errors.New("room capacity reached")
	// ErrCacheUnavailable: the cache connect/read/write failed.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrClientGone: send to a peer whose socket has already closed.
	ErrClientGone = errors.New("client gone")
	// ErrUnknownMessageType: tag byte outside the defined set.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrSubSyncUnknown: inner varint outside {0,1,2}; reported as Malformed.
	ErrSubSyncUnknown = fmt.Errorf("unknown sync sub-type: %w", ErrMalformed)
)
