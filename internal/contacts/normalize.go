// Package contacts resolves raw addresses to display names and matches
// recipients against existing chats, tolerating phone formatting variants.
package contacts

import "strings"

// Variants returns the normalized lookup keys for a raw address. Non-digits
// are stripped; 11-digit numbers with a leading 1 also yield the 10-digit
// form, 10-digit numbers also yield the 1 and +1 prefixed forms, and the
// +-prefixed digit string is always included. Addresses without digits
// yield nil.
func Variants(address string) []string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return nil
	}

	out := []string{digits}
	switch {
	case len(digits) == 11 && digits[0] == '1':
		out = append(out, digits[1:])
	case len(digits) == 10:
		out = append(out, "1"+digits, "+1"+digits)
	}
	return append(out, "+"+digits)
}

// keySet is the raw address plus its variants.
func keySet(address string) map[string]struct{} {
	set := map[string]struct{}{address: {}}
	for _, v := range Variants(address) {
		set[v] = struct{}{}
	}
	if strings.Contains(address, "@") {
		set[strings.ToLower(address)] = struct{}{}
	}
	return set
}

// SameAddress reports whether two raw addresses share a normalized key.
func SameAddress(a, b string) bool {
	ka := keySet(a)
	for k := range keySet(b) {
		if _, ok := ka[k]; ok {
			return true
		}
	}
	return false
}
