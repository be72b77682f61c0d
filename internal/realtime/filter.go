package realtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/store"
)

// ErrEmptyFilterSet indicates that a subscription was requested for no resources.
var ErrEmptyFilterSet = errors.New("realtime: empty filter set")

// FilterKind names the resource family a filter set selects.
type FilterKind string

const (
	FilterKindConversations FilterKind = "conversations"
	FilterKindPipeline      FilterKind = "pipeline"
)

// FilterSet is the immutable set of scopes a subscription accepts. Two
// filter sets are equal when their canonical keys match.
type FilterSet struct {
	kind FilterKind
	ids  []string
	key  string
}

// NewConversationFilter builds a filter over the given conversation ids.
// Blank ids are ignored; duplicates collapse.
func NewConversationFilter(conversationIDs ...string) (FilterSet, error) {
	seen := make(map[string]struct{}, len(conversationIDs))
	ids := make([]string, 0, len(conversationIDs))
	for _, raw := range conversationIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return FilterSet{}, ErrEmptyFilterSet
	}
	sort.Strings(ids)
	return newFilterSet(FilterKindConversations, ids), nil
}

// NewPipelineFilter builds a filter over a single pipeline.
func NewPipelineFilter(pipelineID string) (FilterSet, error) {
	id := strings.TrimSpace(pipelineID)
	if id == "" {
		return FilterSet{}, ErrEmptyFilterSet
	}
	return newFilterSet(FilterKindPipeline, []string{id}), nil
}

func newFilterSet(kind FilterKind, ids []string) FilterSet {
	encoded, _ := json.Marshal(ids)
	return FilterSet{kind: kind, ids: ids, key: string(kind) + ":" + string(encoded)}
}

// Kind returns the resource family.
func (f FilterSet) Kind() FilterKind {
	return f.kind
}

// IDs returns a copy of the canonical id list.
func (f FilterSet) IDs() []string {
	return append([]string(nil), f.ids...)
}

// Key returns the canonical serialization.
func (f FilterSet) Key() string {
	return f.key
}

// IsZero reports whether the filter selects nothing.
func (f FilterSet) IsZero() bool {
	return len(f.ids) == 0
}

// Equal compares canonical keys.
func (f FilterSet) Equal(other FilterSet) bool {
	return f.key == other.key
}

// Contains reports whether scopeID belongs to the set.
func (f FilterSet) Contains(scopeID string) bool {
	index := sort.SearchStrings(f.ids, scopeID)
	return index < len(f.ids) && f.ids[index] == scopeID
}

// Table returns the change-stream table the filter listens on.
func (f FilterSet) Table() string {
	switch f.kind {
	case FilterKindConversations:
		return store.TableMessages
	case FilterKindPipeline:
		return store.TableDeals
	default:
		return ""
	}
}

// ChannelName derives a stable transport channel name for the filter.
func (f FilterSet) ChannelName(prefix string) string {
	digest := sha256.Sum256([]byte(f.key))
	name := string(f.kind) + "-" + hex.EncodeToString(digest[:6])
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}
