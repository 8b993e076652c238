// Package dimension derives the stable opaque key that identifies a
// convergence group. The same (rule, context) pair always produces the same
// key regardless of map iteration order.
package dimension

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/t77yq/alert-converge/internal/model"
)

const (
	// KeyPrefix marks hashed dimension keys.
	KeyPrefix = "!sha1#"

	// DefaultMaxKeyLength bounds the emitted key.
	DefaultMaxKeyLength = 128

	// compactThreshold is the value-list length at which the middle of the
	// list is hash-compacted to keep the pre-image bounded.
	compactThreshold = 4
)

// Context is an action instance's dimension context: dimension name to the
// instance's values for it.
type Context map[string][]string

// Hasher computes dimension keys
type Hasher struct {
	maxKeyLength int
}

// NewHasher creates a hasher. maxKeyLength <= 0 selects the default.
func NewHasher(maxKeyLength int) *Hasher {
	if maxKeyLength <= 0 {
		maxKeyLength = DefaultMaxKeyLength
	}
	return &Hasher{maxKeyLength: maxKeyLength}
}

// Hash derives the dimension key for an instance context under a converge
// rule. It also returns the resolved condition map (post-"self"
// substitution) so callers can log why a group exists. It never fails:
// unknown dimensions degrade to the empty string.
func (h *Hasher) Hash(rule *model.ConvergeRule, ctx Context) (string, map[string][]string) {
	conditions := mergeConditions(rule.Condition)

	resolved := make(map[string][]string, len(conditions))
	var sb strings.Builder
	sb.WriteString("#")
	sb.WriteString(string(rule.Function))

	for _, cond := range conditions {
		values := substitute(cond, ctx)
		resolved[cond.Dimension] = values

		sb.WriteString("|")
		sb.WriteString(cond.Dimension)
		sb.WriteString(":")
		sb.WriteString(strings.Join(compact(values), ","))
	}

	sum := sha1.Sum([]byte(sb.String()))
	key := KeyPrefix + hex.EncodeToString(sum[:])
	if len(key) > h.maxKeyLength {
		key = key[:h.maxKeyLength]
	}
	return key, resolved
}

// mergeConditions folds the rule's condition list into an ordered mapping
// keyed by dimension: later entries win per-dimension while cross-dimension
// order is preserved, then entries are sorted by dimension name for
// determinism.
func mergeConditions(conditions []model.Condition) []model.Condition {
	index := make(map[string]int, len(conditions))
	merged := make([]model.Condition, 0, len(conditions))

	for _, cond := range conditions {
		if i, ok := index[cond.Dimension]; ok {
			merged[i] = cond
			continue
		}
		index[cond.Dimension] = len(merged)
		merged = append(merged, cond)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Dimension < merged[j].Dimension
	})
	return merged
}

// substitute expands the "self" sentinel against the instance context.
// Missing dimensions become the empty string.
func substitute(cond model.Condition, ctx Context) []string {
	values := make([]string, 0, len(cond.Value))
	for _, v := range cond.Value {
		if v != model.SelfValue {
			values = append(values, v)
			continue
		}
		own := ctx[cond.Dimension]
		if len(own) == 0 {
			values = append(values, "")
			continue
		}
		values = append(values, own...)
	}
	if len(values) == 0 {
		values = append(values, "")
	}
	return values
}

// compact hash-compacts long value lists into [first, "<5-hex>.<len-2>",
// last] so the key pre-image stays bounded.
func compact(values []string) []string {
	if len(values) < compactThreshold {
		return values
	}
	sum := sha1.Sum([]byte(strings.Join(values, ",")))
	middle := fmt.Sprintf("%s.%d", hex.EncodeToString(sum[:])[:5], len(values)-2)
	return []string{values[0], middle, values[len(values)-1]}
}
