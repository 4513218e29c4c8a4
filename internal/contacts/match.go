package contacts

import "github.com/matheus3301/bluebubbles/internal/store"

// FindExistingChat returns the guid of a chat already addressing the given
// recipients, or "". One recipient matches a single-participant non-group
// chat; several recipients match a group chat with the same participants.
// Both paths compare normalized addresses.
func FindExistingChat(chats []store.Chat, addresses []string) string {
	switch len(addresses) {
	case 0:
		return ""
	case 1:
		for _, c := range chats {
			if c.IsGroup || len(c.Participants) != 1 {
				continue
			}
			if SameAddress(addresses[0], c.Participants[0].Address) {
				return c.GUID
			}
		}
	default:
		for _, c := range chats {
			if !c.IsGroup || len(c.Participants) == 0 {
				continue
			}
			if sameParticipants(addresses, c.Addresses()) {
				return c.GUID
			}
		}
	}
	return ""
}

func sameParticipants(want, have []string) bool {
	want = dedup(want)
	have = dedup(have)
	if len(want) != len(have) {
		return false
	}
	used := make([]bool, len(have))
	for _, w := range want {
		found := false
		for i, h := range have {
			if !used[i] && SameAddress(w, h) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
