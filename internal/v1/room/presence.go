package room

import (
	"encoding/binary"

	"github.com/offbit-ai/zeal/internal/v1/types"
)

// PresenceGuardConfig controls an optional corruption heuristic for
// presence payloads. It is an operational guard, not a protocol rule, and
// defaults to off.
type PresenceGuardConfig struct {
	RejectKnownBadMagic bool
}

// Known-bad leading 32-bit values that flag a presence blob as corrupt.
var badMagicValues = map[uint32]struct{}{
	1569470423: {},
	3792861289: {},
	3855599105: {},
}

const badMagicThreshold = 1_000_000_000

// validatePresence checks the length rule (always enforced: length must be
// in (0, 50_000]) and, when enabled, the magic-number heuristic.
func validatePresence(payload []byte, guard PresenceGuardConfig) bool {
	if len(payload) == 0 || len(payload) > types.PresenceMaxBytes {
		return false
	}
	if !guard.RejectKnownBadMagic {
		return true
	}
	for i := 0; i+4 <= len(payload); i += 4 {
		v := binary.LittleEndian.Uint32(payload[i : i+4])
		if _, bad := badMagicValues[v]; bad {
			return false
		}
		if v > badMagicThreshold {
			return false
		}
	}
	return true
}

// SetPresence validates and stores payload (the bytes following the tag
// byte) for id, replacing any prior value. Returns false without mutating
// state if the payload fails validation.
func (r *Room) SetPresence(id types.ClientID, payload []byte) bool {
	if !validatePresence(payload, r.cfg.Guard) {
		return false
	}
	stored := append([]byte(nil), payload...)

	r.presenceMu.Lock()
	r.presence[id] = stored
	r.presenceMu.Unlock()

	r.touchActivity()
	return true
}

// PresenceReplies builds one tag-1 frame per stored presence entry
// (including the requester's own, if present), for delivery to the
// requester only. While assembling replies, every stored blob is
// re-validated; blobs that fail are purged from the store but their owners
// are not disconnected.
func (r *Room) PresenceReplies() [][]byte {
	r.presenceMu.Lock()
	var purge []types.ClientID
	replies := make([][]byte, 0, len(r.presence))
	for id, payload := range r.presence {
		if !validatePresence(payload, r.cfg.Guard) {
			purge = append(purge, id)
			continue
		}
		frame := make([]byte, 0, len(payload)+1)
		frame = append(frame, byte(types.TagPresence))
		frame = append(frame, payload...)
		replies = append(replies, frame)
	}
	for _, id := range purge {
		delete(r.presence, id)
	}
	r.presenceMu.Unlock()

	return replies
}
