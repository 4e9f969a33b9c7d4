package helpers

import (
	"regexp"
	"strconv"
	"strings"
)

// NoSubject is used when a posting has no usable subject.
const NoSubject = "(no subject)"

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|aw|sv|vs)(\[\d+\]|\(\d+\))?\s*:\s*`)

// StripReplyPrefixes removes any number of leading reply markers such as
// "Re:", "RE[2]:" or "Aw:" and reports whether at least one was present.
func StripReplyPrefixes(subject string) (string, bool) {
	found := false
	for {
		loc := replyPrefix.FindStringIndex(subject)
		if loc == nil {
			return subject, found
		}
		subject = subject[loc[1]:]
		found = true
	}
}

// PrefixPattern turns a list subject prefix into a regexp matching any
// earlier application of it. A "%d" placeholder matches any sequence number.
func PrefixPattern(prefix string) *regexp.Regexp {
	prefix = strings.TrimSpace(prefix)
	quoted := regexp.QuoteMeta(prefix)
	quoted = strings.ReplaceAll(quoted, "%d", `\d+`)
	return regexp.MustCompile(`(?i)` + quoted + `\s*`)
}

// ApplySubjectPrefix prepends prefix to subject once. A leading reply marker
// is kept after the prefix as a single "Re: ". A whitespace-only prefix
// leaves the subject unchanged.
func ApplySubjectPrefix(subject, prefix string, postID int) string {
	if strings.TrimSpace(prefix) == "" {
		return subject
	}
	subject = strings.TrimSpace(UnfoldHeader(subject))

	// Earlier prefixes may sit before or after a reply marker.
	pattern := PrefixPattern(prefix)
	subject = strings.TrimSpace(pattern.ReplaceAllString(subject, ""))
	stripped, isReply := StripReplyPrefixes(subject)
	stripped = strings.TrimSpace(pattern.ReplaceAllString(stripped, ""))

	rendered := strings.TrimSpace(prefix)
	if strings.Contains(rendered, "%d") {
		rendered = strings.ReplaceAll(rendered, "%d", strconv.Itoa(postID))
	}

	switch {
	case isReply:
		return rendered + " Re: " + stripped
	case stripped == "":
		return rendered + " " + NoSubject
	default:
		return rendered + " " + stripped
	}
}
