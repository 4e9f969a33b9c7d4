package chains

import (
	"iter"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/rules"
)

// headerMatchChain applies the site header_checks and then the list's
// header_matches. Each check becomes a header-match-NN rule; a check
// naming a chain jumps there, the others defer. A final any link sends
// messages that hit a deferring check to the default chain.
type headerMatchChain struct {
	site    config.ChainsConfig
	anyRule engine.Rule
	isChain func(string) bool

	siteChecks []rules.HeaderCheck
}

func (c *headerMatchChain) Name() string { return engine.ChainHeaders }
func (c *headerMatchChain) Description() string {
	return "Apply site and list header matching rules."
}

func (c *headerMatchChain) compileSiteChecks(isChain func(string) bool) {
	c.isChain = isChain
	c.siteChecks = nil
	for _, line := range c.site.HeaderChecks {
		check, ok, err := rules.ParseHeaderCheck(line, isChain)
		if err != nil {
			logger.Warn("Chains: Skipping bad header_checks line", "line", line, "error", err)
			continue
		}
		if ok {
			c.siteChecks = append(c.siteChecks, check)
		}
	}
}

func (c *headerMatchChain) listChecks(list *mlist.MailingList) []rules.HeaderCheck {
	var out []rules.HeaderCheck
	for _, hm := range list.HeaderMatches {
		re, err := helpers.CompilePattern(hm.Pattern)
		if err != nil || hm.Header == "" {
			logger.Warn("Chains: Skipping bad header_matches entry", "list", list.ListID(),
				"header", hm.Header, "pattern", hm.Pattern, "error", err)
			continue
		}
		if hm.Chain != "" && c.isChain != nil && !c.isChain(hm.Chain) {
			logger.Warn("Chains: Skipping header_matches entry with unknown chain", "list", list.ListID(),
				"header", hm.Header, "chain", hm.Chain)
			continue
		}
		out = append(out, rules.HeaderCheck{Header: hm.Header, Pattern: re, Chain: hm.Chain})
	}
	return out
}

func (c *headerMatchChain) defaultChain(list *mlist.MailingList) string {
	if list.HeaderMatchesDefaultChain != "" {
		return list.HeaderMatchesDefaultChain
	}
	return c.site.GetHeaderMatchesDefaultChain()
}

// links returns a fresh link list; site checks come first and order is
// kept within each source.
func (c *headerMatchChain) links(list *mlist.MailingList) []engine.Link {
	checks := append(append([]rules.HeaderCheck(nil), c.siteChecks...), c.listChecks(list)...)
	out := make([]engine.Link, 0, len(checks)+1)
	for i, check := range checks {
		link := engine.Link{
			Rule:   rules.NewHeaderMatch(rules.HeaderMatchName(i+1), check.Header, check.Pattern),
			Action: engine.ActionDefer,
		}
		if check.Chain != "" {
			link.Action = engine.ActionJump
			link.Chain = check.Chain
		}
		out = append(out, link)
	}
	return append(out, engine.Link{Rule: c.anyRule, Action: engine.ActionJump, Chain: c.defaultChain(list)})
}

func (c *headerMatchChain) Links(list *mlist.MailingList, _ *email.Message, _ email.Metadata) iter.Seq[engine.Link] {
	links := c.links(list)
	return func(yield func(engine.Link) bool) {
		for _, l := range links {
			if !yield(l) {
				return
			}
		}
	}
}

var _ engine.Chain = (*headerMatchChain)(nil)
