package helpers

import (
	"net/mail"
	"strings"
)

// SplitEmailAddress splits a lower-cased address into local part and domain.
// An address without '@' yields an empty domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// NormalizeAddress extracts the bare address from a header value such as
// "Anne Person <Anne@Example.COM>" and lower-cases it. Unparseable input
// returns "".
func NormalizeAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		if strings.Count(value, "@") == 1 && !strings.ContainsAny(value, " <>\"") {
			return strings.ToLower(value)
		}
		return ""
	}
	return strings.ToLower(addr.Address)
}

// IsValidAddress reports whether s is a bare, syntactically valid address.
func IsValidAddress(s string) bool {
	local, domain := SplitEmailAddress(s)
	if local == "" || domain == "" || !strings.Contains(domain, ".") {
		return false
	}
	_, err := mail.ParseAddress(s)
	return err == nil
}

// VERPAddress encodes a recipient into the local part of the bounces address:
// list-bounces+anne=example.com@lists.example.com.
func VERPAddress(bounces, recipient string) string {
	bLocal, bDomain := SplitEmailAddress(bounces)
	rLocal, rDomain := SplitEmailAddress(recipient)
	return bLocal + "+" + rLocal + "=" + rDomain + "@" + bDomain
}

// MatchesAddressPattern checks an address against a moderation/ban entry.
// Entries beginning with '^' are regular expressions, anything else is a
// case-insensitive literal. Bad regular expressions never match.
func MatchesAddressPattern(pattern, address string) bool {
	if strings.HasPrefix(pattern, "^") {
		re, err := CompilePattern(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(address)
	}
	return strings.EqualFold(pattern, address)
}
