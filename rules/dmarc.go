package rules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/retry"
)

// TXTResolver is satisfied by *net.Resolver.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

const defaultDMARCNotice = "You are not allowed to post to this mailing list From: a domain which " +
	"publishes a DMARC policy of reject or quarantine, and your message has been " +
	"automatically rejected. If you think that your messages are being rejected in " +
	"error, contact the mailing list owner at %s."

var (
	policyTag    = regexp.MustCompile(`(?i)\bp=(\w*)\b`)
	subPolicyTag = regexp.MustCompile(`(?i)\bsp=(\w*)\b`)

	errNoRecord = errors.New("no DMARC record")
)

type verdict int

const (
	keepLooking verdict = iota
	prohibited
	permitted
)

type dmarcRule struct {
	rule
	resolver TXTResolver
	backoff  retry.BackoffConfig
}

// NewDMARCMitigation looks up the DMARC policy of the From domain. A
// reject or quarantine policy marks the message for the dmarc handler; the
// rule itself hits only when the list rejects or discards such messages.
func NewDMARCMitigation(resolver TXTResolver, backoff retry.BackoffConfig) engine.Rule {
	return &dmarcRule{
		rule:     rule{name: DMARCMitigation, description: "Find DMARC policy of From: domain.", record: true},
		resolver: resolver,
		backoff:  backoff,
	}
}

func (r *dmarcRule) Check(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	action := list.GetDMARCMitigateAction()
	if action == mlist.DMARCNone {
		return false, nil
	}
	from := msg.Addresses("From")
	if len(from) == 0 {
		return false, nil
	}
	addr := from[0]

	if !r.isProhibited(ctx, list, addr) {
		if list.DMARCMitigateUnconditionally {
			meta[consts.MetaDMARC] = true
		}
		return false, nil
	}
	meta[consts.MetaDMARC] = true

	switch action {
	case mlist.DMARCDiscard:
		meta[consts.MetaModerationReasons] = []string{"DMARC moderation"}
	case mlist.DMARCReject:
		reason := list.DMARCModerationNotice
		if reason == "" {
			reason = fmt.Sprintf(defaultDMARCNotice, list.OwnerAddress())
		}
		meta[consts.MetaModerationReasons] = []string{reason}
	default:
		return false, nil
	}
	meta[consts.MetaModerationAction] = string(action)
	meta[consts.MetaDMARCAction] = string(action)
	meta[consts.MetaModerationSender] = addr
	return true, nil
}

func (r *dmarcRule) isProhibited(ctx context.Context, list *mlist.MailingList, addr string) bool {
	_, domain := helpers.SplitEmailAddress(addr)
	if domain == "" {
		return false
	}
	switch r.lookup(ctx, list, addr, "_dmarc."+domain, false) {
	case prohibited:
		return true
	case permitted:
		return false
	}
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil || org == domain {
		return false
	}
	return r.lookup(ctx, list, addr, "_dmarc."+org, true) == prohibited
}

func (r *dmarcRule) lookup(ctx context.Context, list *mlist.MailingList, addr, name string, org bool) verdict {
	var records []string
	err := retry.WithRetry(ctx, func() error {
		var err error
		records, err = r.resolver.LookupTXT(ctx, name)
		if err == nil {
			return nil
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			if dnsErr.IsNotFound {
				return retry.Stop(errNoRecord)
			}
			if dnsErr.IsTemporary || dnsErr.IsTimeout {
				return err
			}
		}
		return retry.Stop(err)
	}, r.backoff)
	if err != nil {
		if !errors.Is(err, errNoRecord) {
			logger.Warn("Rules: DMARC lookup failed", "list", list.ListID(), "email", addr, "domain", name, "error", err)
		}
		return keepLooking
	}

	var dmarcs []string
	for _, rec := range records {
		rec = strings.TrimSpace(rec)
		if strings.HasPrefix(rec, "v=DMARC1;") {
			dmarcs = append(dmarcs, rec)
		}
	}
	if len(dmarcs) == 0 {
		return keepLooking
	}
	for _, rec := range dmarcs {
		var policy string
		if m := subPolicyTag.FindStringSubmatch(rec); org && m != nil {
			policy = m[1]
		} else if m := policyTag.FindStringSubmatch(rec); m != nil {
			policy = m[1]
		} else {
			continue
		}
		policy = strings.ToLower(policy)
		if policy == "reject" || policy == "quarantine" {
			logger.Info("Rules: DMARC policy found", "list", list.ListID(), "email", addr, "domain", name, "policy", policy)
			return prohibited
		}
	}
	return permitted
}
