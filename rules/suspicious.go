package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
)

type suspiciousHeaderRule struct{ rule }

// NewSuspiciousHeader hits on a header matching one of the list's
// bounce_matching_headers lines.
func NewSuspiciousHeader() engine.Rule {
	return &suspiciousHeaderRule{rule{
		name:        SuspiciousHeader,
		description: "Catch messages with suspicious headers.",
		record:      true,
	}}
}

// HeaderCheck is one parsed "Header: regexp" line.
type HeaderCheck struct {
	Header  string
	Pattern *regexp.Regexp
	// Chain is the optional trailing chain name.
	Chain string
}

// ParseHeaderCheck parses "Header: regexp". When isChain is set, a
// trailing word it accepts is split off as the chain to jump to. Comments
// and blank lines yield ok=false and a nil error.
func ParseHeaderCheck(line string, isChain func(string) bool) (HeaderCheck, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return HeaderCheck{}, false, nil
	}
	header, value, ok := strings.Cut(line, ":")
	header = strings.TrimSpace(header)
	value = strings.TrimSpace(value)
	if !ok || header == "" || value == "" || strings.ContainsAny(header, " \t") {
		return HeaderCheck{}, false, errMalformedCheck
	}
	chain := ""
	if isChain != nil {
		if i := strings.LastIndexAny(value, " \t"); i > 0 && isChain(value[i+1:]) {
			chain = value[i+1:]
			value = strings.TrimSpace(value[:i])
		}
	}
	re, err := helpers.CompilePattern(value)
	if err != nil {
		return HeaderCheck{}, false, err
	}
	return HeaderCheck{Header: header, Pattern: re, Chain: chain}, true, nil
}

func (r *suspiciousHeaderRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	for _, line := range list.BounceMatchingHeaders {
		check, ok, err := ParseHeaderCheck(line, nil)
		if err != nil {
			logger.Warn("Rules: Skipping bad bounce_matching_headers line", "list", list.ListID(), "line", line, "error", err)
			continue
		}
		if !ok {
			continue
		}
		for _, v := range msg.Header.Values(check.Header) {
			v = helpers.UnfoldHeader(v)
			if check.Pattern.MatchString(v) {
				recordModeration(meta, msg.Sender(meta), `Header "`+v+`" matched a bounce_matching_header line`)
				return true, nil
			}
		}
	}
	return false, nil
}
