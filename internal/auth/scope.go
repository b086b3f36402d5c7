package auth

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
)

// ScopeSet is the set of chat IDs a principal may see. A nil id set means
// unrestricted; an empty set means nothing is visible. The distinction
// matters: an admin can deliberately scope a viewer down to zero chats.
type ScopeSet struct {
	ids map[int64]struct{}
}

// Unrestricted returns a scope that allows every chat.
func Unrestricted() *ScopeSet {
	return &ScopeSet{}
}

// NewScope builds a scope from an explicit allow list. nil input means
// unrestricted.
func NewScope(ids []int64) *ScopeSet {
	if ids == nil {
		return Unrestricted()
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &ScopeSet{ids: set}
}

// IsUnrestricted reports whether every chat is allowed.
func (s *ScopeSet) IsUnrestricted() bool {
	return s == nil || s.ids == nil
}

// Allows reports whether the chat is visible under this scope.
func (s *ScopeSet) Allows(chatID int64) bool {
	if s.IsUnrestricted() {
		return true
	}
	_, ok := s.ids[chatID]
	return ok
}

// Intersect combines two scopes. The result allows only what both allow, so
// a viewer's allow list can never widen the master display filter.
func (s *ScopeSet) Intersect(other *ScopeSet) *ScopeSet {
	if s.IsUnrestricted() {
		return other
	}
	if other.IsUnrestricted() {
		return s
	}
	out := make(map[int64]struct{})
	for id := range s.ids {
		if _, ok := other.ids[id]; ok {
			out[id] = struct{}{}
		}
	}
	return &ScopeSet{ids: out}
}

// IDs returns the allow list sorted ascending, or nil when unrestricted.
func (s *ScopeSet) IDs() []int64 {
	if s.IsUnrestricted() {
		return nil
	}
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// markedOffset converts a bare channel/supergroup ID to its marked form, the
// negative representation the archive stores.
const markedOffset = int64(1_000_000_000_000)

// MarkedID returns the marked form of a bare positive ID.
func MarkedID(id int64) int64 {
	return -markedOffset - id
}

// ResolveChatIDs corrects configured chat IDs against the archive. Operators
// routinely paste the bare positive form of a channel ID; when the bare form
// does not exist but its marked form does, the marked form is substituted.
// Unknown IDs are kept as-is so a chat archived later still matches.
func ResolveChatIDs(ctx context.Context, exists func(context.Context, int64) bool, ids []int64) []int64 {
	if ids == nil {
		return nil
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 && !exists(ctx, id) {
			if marked := MarkedID(id); exists(ctx, marked) {
				log.Info().Int64("configured", id).Int64("resolved", marked).
					Msg("chat id corrected to marked form")
				out = append(out, marked)
				continue
			}
		}
		out = append(out, id)
	}
	return out
}
