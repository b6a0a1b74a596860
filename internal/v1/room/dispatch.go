package room

import (
	"context"

	"github.com/offbit-ai/zeal/internal/v1/types"
)

// DispatchResult tells the caller what to do with an inbound frame after
// Room has processed it. Room never touches sockets directly — fan-out
// and per-sender delivery are the caller's job.
type DispatchResult struct {
	// ResponseToSender, if non-nil, is an already-framed tag-0 envelope to
	// deliver only to the sender (a sync Step-2 reply).
	ResponseToSender []byte
	// RepliesToSender are already-framed tag-1 presence frames to deliver
	// only to the sender (a presence-query reply).
	RepliesToSender [][]byte
	// Broadcast reports whether the original frame should be fanned out,
	// unmodified, to every other member of the room.
	Broadcast bool
}

// Dispatch routes an inbound frame to the right handler by its leading type
// byte. frame is the full inbound payload including that byte. An empty
// frame is accepted silently: no state change, no response, no broadcast.
func (r *Room) Dispatch(ctx context.Context, id types.ClientID, frame []byte) (DispatchResult, error) {
	r.TouchClient(id)

	if len(frame) == 0 {
		return DispatchResult{}, nil
	}

	tag := types.MessageTag(frame[0])
	body := frame[1:]

	switch tag {
	case types.TagSync:
		resp, err := r.HandleSync(ctx, body)
		if err != nil {
			return DispatchResult{}, err
		}
		result := DispatchResult{Broadcast: true}
		if len(resp) > 0 {
			result.ResponseToSender = resp
		}
		return result, nil

	case types.TagPresence:
		if !r.SetPresence(id, body) {
			return DispatchResult{}, nil
		}
		return DispatchResult{Broadcast: true}, nil

	case types.TagAuth:
		return DispatchResult{}, nil

	case types.TagPresenceQuery:
		return DispatchResult{RepliesToSender: r.PresenceReplies()}, nil

	default:
		return DispatchResult{}, nil
	}
}
