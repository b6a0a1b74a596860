package room

import "github.com/offbit-ai/zeal/internal/v1/types"

// presenceColors mirrors original_source's generate_user_color palette: a
// small fixed set of identity colors assigned round-robin as clients join,
// so a late joiner's cursor/selection indicator is visually distinct from
// everyone already present.
var presenceColors = []string{
	"#F94144", "#F3722C", "#F9C74F", "#90BE6D",
	"#43AA8B", "#577590", "#277DA1", "#9B5DE5",
}

// AssignColor returns a stable identity color for id, assigning one from
// presenceColors on first call and memoizing it for the room's lifetime.
func (r *Room) AssignColor(id types.ClientID) string {
	r.colorMu.Lock()
	defer r.colorMu.Unlock()

	if c, ok := r.colors[id]; ok {
		return c
	}
	c := presenceColors[r.nextColor%len(presenceColors)]
	r.nextColor++
	r.colors[id] = c
	return c
}
