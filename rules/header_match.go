package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
)

var errMalformedCheck = errors.New(`expected "Header: regexp"`)

// HeaderMatch is a regular expression test on one header, built per list
// by the header-match chain rather than registered globally.
type HeaderMatch struct {
	rule
	header  string
	pattern *regexp.Regexp
}

// HeaderMatchName numbers header-match rules in chain order.
func HeaderMatchName(n int) string {
	return fmt.Sprintf("header-match-%02d", n)
}

func NewHeaderMatch(name, header string, pattern *regexp.Regexp) *HeaderMatch {
	return &HeaderMatch{
		rule: rule{
			name:        name,
			description: fmt.Sprintf("%s: %s", header, pattern),
			record:      true,
		},
		header:  header,
		pattern: pattern,
	}
}

func (r *HeaderMatch) Header() string {
	return r.header
}

func (r *HeaderMatch) Pattern() string {
	return r.pattern.String()
}

func (r *HeaderMatch) Check(_ context.Context, _ *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	for _, v := range msg.Header.Values(r.header) {
		v = helpers.UnfoldHeader(v)
		if r.pattern.MatchString(v) {
			recordModeration(meta, msg.Sender(meta), `Header "`+v+`" matched a header rule`)
			return true, nil
		}
	}
	return false, nil
}
