package rules

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/mlist"
)

var approvalHeaders = []string{"Approved", "Approve", "X-Approved", "X-Approve"}

type approvedRule struct{ rule }

// NewApproved hits when the message carries the list's moderator password
// in an Approved header or on the first line of a plain text body. The
// approval headers are always removed.
func NewApproved() engine.Rule {
	return &approvedRule{rule{
		name:        Approved,
		description: "The message has a matching Approve or Approved header.",
		record:      true,
	}}
}

func (r *approvedRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list.ModeratorPassword == "" {
		return false, nil
	}

	password := ""
	for _, h := range approvalHeaders {
		if v := msg.Get(h); v != "" {
			password = v
			break
		}
	}
	fromBody := false
	if password == "" {
		if lines, err := msg.FirstTextLines(1); err == nil && len(lines) == 1 {
			if v, ok := approvalLine(lines[0]); ok {
				password = v
				fromBody = true
			}
		}
	}
	for _, h := range approvalHeaders {
		msg.Header.Del(h)
	}
	if password == "" {
		return false, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(list.ModeratorPassword), []byte(password)) != nil {
		return false, nil
	}
	if fromBody && !msg.IsMultipart() {
		msg.Body = dropFirstApprovalLine(msg.Body)
	}
	meta[consts.MetaApproved] = true
	return true, nil
}

// approvalLine parses "Approved: secret" or "Approve: secret".
func approvalLine(line string) (string, bool) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "approved" && name != "approve" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// dropFirstApprovalLine removes the approval line from a plain body,
// together with the blank lines that follow it.
func dropFirstApprovalLine(body []byte) []byte {
	lines := bytes.SplitAfter(body, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if _, ok := approvalLine(string(trimmed)); !ok {
			return body
		}
		j := i + 1
		for j < len(lines) && len(bytes.TrimSpace(lines[j])) == 0 {
			j++
		}
		return bytes.Join(append(lines[:i:i], lines[j:]...), nil)
	}
	return body
}
