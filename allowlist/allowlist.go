// Package allowlist decides which candidate operations belong in the feed.
package allowlist

import (
	"strings"

	"github.com/samber/lo"
)

// Allowlist is a membership test over author DIDs.
type Allowlist map[string]struct{}

func New(authors []string) Allowlist {
	list := make(Allowlist, len(authors))
	for _, did := range authors {
		list[did] = struct{}{}
	}
	return list
}

func (a Allowlist) Contains(did string) bool {
	_, ok := a[did]
	return ok
}

// DIDs returns the allowlist members in no particular order.
func (a Allowlist) DIDs() []string {
	return lo.Keys(a)
}

// CreateOp is a candidate record create operation from either ingestion
// channel. Text is empty for record types without a body (reposts).
type CreateOp struct {
	Author string
	Uri    string
	Cid    string
	Text   string
}

// Filter returns the operations authored by an allowlist member whose text,
// if any, does not contain the opt-out tag. The tag match is a
// case-insensitive substring check. Input order is preserved.
func Filter(list Allowlist, optOutTag string, ops []CreateOp) []CreateOp {
	tag := strings.ToLower(optOutTag)
	return lo.Filter(ops, func(op CreateOp, _ int) bool {
		if !list.Contains(op.Author) {
			return false
		}
		if op.Text != "" && tag != "" && strings.Contains(strings.ToLower(op.Text), tag) {
			return false
		}
		return true
	})
}
