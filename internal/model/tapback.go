// Package model holds the in-memory read model the sync engine reconciles:
// the ordered chat list, the open transcript and tapback aggregation.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matheus3301/bluebubbles/internal/store"
)

// Tapback is a reaction kind. Removal codes are the add code plus 1000.
type Tapback int

const (
	Love Tapback = 2000 + iota
	Like
	Dislike
	Laugh
	Emphasize
	Question
)

var tapbackNames = []string{"love", "like", "dislike", "laugh", "emphasize", "question"}

// Name returns the remote reaction name, e.g. "love" or "-love" for a removal.
func (t Tapback) Name() string {
	code := int(t)
	prefix := ""
	if code >= store.ReactionRemovalMin {
		code -= 1000
		prefix = "-"
	}
	i := code - store.ReactionMin
	if i < 0 || i >= len(tapbackNames) {
		return strconv.Itoa(int(t))
	}
	return prefix + tapbackNames[i]
}

// Removal returns the code that withdraws t.
func (t Tapback) Removal() Tapback {
	if int(t) >= store.ReactionRemovalMin {
		return t
	}
	return t + 1000
}

// ParseTapback accepts "love", "-love" or a numeric code.
func ParseTapback(s string) (Tapback, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if (n/1000 == 2 || n/1000 == 3) && n%1000 < len(tapbackNames) {
			return Tapback(n), nil
		}
		return 0, fmt.Errorf("reaction code %d out of range", n)
	}
	removal := strings.HasPrefix(s, "-")
	name := strings.TrimPrefix(s, "-")
	for i, n := range tapbackNames {
		if n == name {
			t := Tapback(store.ReactionMin + i)
			if removal {
				t = t.Removal()
			}
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown reaction %q", s)
}

// ReactionTarget strips a "p:N/" style part prefix from an associated guid.
func ReactionTarget(associatedGUID string) string {
	if i := strings.LastIndex(associatedGUID, "/"); i >= 0 {
		return associatedGUID[i+1:]
	}
	return associatedGUID
}

// Badge is the aggregated count of one tapback kind on a message.
type Badge struct {
	Kind  Tapback
	Count int
}

// Badges aggregates tapbacks on target by scanning msgs. Removal records are
// ignored. The result is ordered by kind.
func Badges(msgs []store.Message, target string) []Badge {
	counts := make(map[Tapback]int)
	for i := range msgs {
		m := &msgs[i]
		if !m.IsReaction() || m.IsReactionRemoval() {
			continue
		}
		if ReactionTarget(m.AssociatedMessageGUID) != target {
			continue
		}
		counts[Tapback(m.AssociatedMessageType)]++
	}
	var out []Badge
	for i := range tapbackNames {
		k := Tapback(store.ReactionMin + i)
		if n := counts[k]; n > 0 {
			out = append(out, Badge{Kind: k, Count: n})
		}
	}
	return out
}
