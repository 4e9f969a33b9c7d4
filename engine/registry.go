package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/metrics"
)

const DefaultMaxHops = 64

type Registry struct {
	rules     map[string]Rule
	chains    map[string]Chain
	pipelines map[string]Pipeline
	handlers  map[string]Handler
	maxHops   int
	bouncer   Bouncer
}

func NewRegistry(maxHops int) *Registry {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Registry{
		rules:     make(map[string]Rule),
		chains:    make(map[string]Chain),
		pipelines: make(map[string]Pipeline),
		handlers:  make(map[string]Handler),
		maxHops:   maxHops,
	}
}

// SetBouncer sets who returns messages rejected by a pipeline handler.
func (r *Registry) SetBouncer(b Bouncer) {
	r.bouncer = b
}

func (r *Registry) AddRule(rule Rule) error {
	if _, ok := r.rules[rule.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name())
	}
	r.rules[rule.Name()] = rule
	return nil
}

func (r *Registry) MustAddRule(rule Rule) {
	if err := r.AddRule(rule); err != nil {
		panic(err)
	}
}

func (r *Registry) Rule(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

// MustRule is for chain construction, where a missing rule is a
// programming error.
func (r *Registry) MustRule(name string) Rule {
	rule, ok := r.rules[name]
	if !ok {
		panic(fmt.Sprintf("engine: unknown rule %q", name))
	}
	return rule
}

func (r *Registry) RuleNames() []string {
	return sortedKeys(r.rules)
}

func (r *Registry) AddChain(c Chain) error {
	if _, ok := r.chains[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChain, c.Name())
	}
	r.chains[c.Name()] = c
	return nil
}

func (r *Registry) MustAddChain(c Chain) {
	if err := r.AddChain(c); err != nil {
		panic(err)
	}
}

func (r *Registry) Chain(name string) (Chain, bool) {
	c, ok := r.chains[name]
	return c, ok
}

func (r *Registry) ChainNames() []string {
	return sortedKeys(r.chains)
}

func (r *Registry) AddPipeline(p Pipeline) error {
	if _, ok := r.pipelines[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePipeline, p.Name())
	}
	r.pipelines[p.Name()] = p
	return nil
}

func (r *Registry) MustAddPipeline(p Pipeline) {
	if err := r.AddPipeline(p); err != nil {
		panic(err)
	}
}

func (r *Registry) Pipeline(name string) (Pipeline, bool) {
	p, ok := r.pipelines[name]
	return p, ok
}

func (r *Registry) AddHandler(h Handler) error {
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

func (r *Registry) MustAddHandler(h Handler) {
	if err := r.AddHandler(h); err != nil {
		panic(err)
	}
}

func (r *Registry) Handler(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Validate checks that every pipeline names registered handlers.
func (r *Registry) Validate() error {
	for _, name := range sortedKeys(r.pipelines) {
		for _, h := range r.pipelines[name].Handlers() {
			if _, ok := r.handlers[h]; !ok {
				return fmt.Errorf("pipeline %s: %w: %s", name, ErrUnknownHandler, h)
			}
		}
	}
	return nil
}

// frame is a chain being walked, with its pull iterator.
type frame struct {
	chain Chain
	next  func() (Link, bool)
	stop  func()
}

// Process runs msg through the chain graph starting at startChain and
// returns the disposition chosen by the terminal link.
func (r *Registry) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata, startChain string) (Disposition, error) {
	start, ok := r.chains[startChain]
	if !ok {
		return DispositionNone, fmt.Errorf("%w: %s", ErrUnknownChain, startChain)
	}

	open := func(c Chain) *frame {
		next, stop := iter.Pull(c.Links(list, msg, meta))
		return &frame{chain: c, next: next, stop: stop}
	}

	current := open(start)
	var stack []*frame
	defer func() {
		current.stop()
		for _, f := range stack {
			f.stop()
		}
	}()

	hops := 0
	enter := func(name string) error {
		hops++
		if hops > r.maxHops {
			return fmt.Errorf("%w: %d hops ending at %s", ErrChainLoop, hops, name)
		}
		c, ok := r.chains[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownChain, name)
		}
		current = open(c)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return DispositionNone, err
		}

		link, ok := current.next()
		if !ok {
			current.stop()
			if n := len(stack); n > 0 {
				current = stack[n-1]
				stack = stack[:n-1]
				continue
			}
			if current.chain.Name() == ChainAccept {
				return DispositionAccepted, nil
			}
			if err := enter(ChainAccept); err != nil {
				return DispositionNone, err
			}
			continue
		}

		hit, err := link.Rule.Check(ctx, list, msg, meta)
		if err != nil {
			return DispositionNone, fmt.Errorf("rule %s in chain %s: %w", link.Rule.Name(), current.chain.Name(), err)
		}
		if link.Rule.Record() {
			if hit {
				meta.Append(consts.MetaRuleHits, link.Rule.Name())
				metrics.RuleHitsTotal.WithLabelValues(link.Rule.Name()).Inc()
			} else {
				meta.Append(consts.MetaRuleMisses, link.Rule.Name())
			}
		}
		if !hit {
			continue
		}

		switch link.Action {
		case ActionDefer:
		case ActionJump:
			current.stop()
			if err := enter(link.Chain); err != nil {
				return DispositionNone, err
			}
		case ActionDetour:
			stack = append(stack, current)
			if err := enter(link.Chain); err != nil {
				stack = stack[:len(stack)-1]
				return DispositionNone, err
			}
		case ActionStop:
			return DispositionNone, nil
		case ActionRun:
			if link.Function == nil {
				return DispositionNone, nil
			}
			disposition, err := link.Function(ctx, list, msg, meta)
			if err != nil {
				return DispositionNone, err
			}
			if disposition != DispositionNone {
				metrics.ChainDispositionsTotal.WithLabelValues(current.chain.Name()).Inc()
			}
			return disposition, nil
		default:
			return DispositionNone, fmt.Errorf("chain %s: unknown link action %v", current.chain.Name(), link.Action)
		}
	}
}

// RunPipeline passes msg through the named pipeline's handlers in order.
// A handler asking to discard or reject ends the pipeline without error.
func (r *Registry) RunPipeline(ctx context.Context, name string, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	p, ok := r.pipelines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	for _, hname := range p.Handlers() {
		h, ok := r.handlers[hname]
		if !ok {
			return fmt.Errorf("pipeline %s: %w: %s", name, ErrUnknownHandler, hname)
		}
		err := h.Process(ctx, list, msg, meta)
		if err == nil {
			continue
		}

		var discard *DiscardMessage
		var reject *RejectMessage
		switch {
		case errors.As(err, &discard):
			logger.Info(fmt.Sprintf("%s discarded by %q pipeline handler %q: %s", msg.LogID(), name, hname, discard.Reason),
				"list", list.ListID())
			metrics.PipelineDiscardsTotal.WithLabelValues(name, hname, "discard").Inc()
			return nil
		case errors.As(err, &reject):
			logger.Info(fmt.Sprintf("%s rejected by %q pipeline handler %q: %s", msg.LogID(), name, hname, reject.Reason),
				"list", list.ListID())
			metrics.PipelineDiscardsTotal.WithLabelValues(name, hname, "reject").Inc()
			if r.bouncer == nil {
				return fmt.Errorf("pipeline %s: no bouncer for rejected message", name)
			}
			return r.bouncer.Bounce(ctx, list, msg, meta, []string{reject.Reason})
		default:
			return fmt.Errorf("pipeline %s handler %s: %w", name, hname, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
