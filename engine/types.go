// Package engine walks rule chains and runs handler pipelines.
//
// Rules, chains, pipelines and handlers are registered by name in a
// Registry built once at startup. Processing a message starts at a chain,
// evaluates each link's rule, and follows jumps and detours until a
// terminal link decides the message's fate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
)

var (
	ErrDuplicateRule     = errors.New("duplicate rule")
	ErrDuplicateChain    = errors.New("duplicate chain")
	ErrDuplicatePipeline = errors.New("duplicate pipeline")
	ErrDuplicateHandler  = errors.New("duplicate handler")
	ErrUnknownChain      = errors.New("unknown chain")
	ErrUnknownPipeline   = errors.New("unknown pipeline")
	ErrUnknownHandler    = errors.New("unknown handler")
	ErrChainLoop         = errors.New("chain hop limit exceeded")
)

// Well-known chain names.
const (
	ChainAccept     = "accept"
	ChainHold       = "hold"
	ChainReject     = "reject"
	ChainDiscard    = "discard"
	ChainModeration = "moderation"
	ChainDMARC      = "dmarc"
	ChainHeaders    = "header-match"
)

type Rule interface {
	Name() string
	Description() string
	// Record reports whether hits and misses are noted in the metadata.
	Record() bool
	Check(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error)
}

type LinkAction int

const (
	// ActionDefer continues with the next link; the rule is evaluated for
	// its side effects and its hit recorded.
	ActionDefer LinkAction = iota
	// ActionJump continues at the start of another chain.
	ActionJump
	// ActionDetour runs another chain and returns here if it runs out.
	ActionDetour
	// ActionStop ends processing without a disposition.
	ActionStop
	// ActionRun calls the link's function, which decides the disposition.
	ActionRun
)

func (a LinkAction) String() string {
	switch a {
	case ActionDefer:
		return "defer"
	case ActionJump:
		return "jump"
	case ActionDetour:
		return "detour"
	case ActionStop:
		return "stop"
	case ActionRun:
		return "run"
	}
	return fmt.Sprintf("LinkAction(%d)", int(a))
}

// LinkFunc is the terminal action of a run link.
type LinkFunc func(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (Disposition, error)

type Link struct {
	Rule     Rule
	Action   LinkAction
	Chain    string
	Function LinkFunc
}

type Chain interface {
	Name() string
	Description() string
	// Links yields the chain's links for this message. The sequence is
	// built afresh on every call.
	Links(list *mlist.MailingList, msg *email.Message, meta email.Metadata) iter.Seq[Link]
}

type Pipeline interface {
	Name() string
	Description() string
	Handlers() []string
}

type Handler interface {
	Name() string
	Description() string
	Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error
}

type Disposition string

const (
	DispositionNone      Disposition = ""
	DispositionAccepted  Disposition = "accepted"
	DispositionHeld      Disposition = "held"
	DispositionRejected  Disposition = "rejected"
	DispositionDiscarded Disposition = "discarded"
)

// DiscardMessage is returned by a handler to drop the message silently.
type DiscardMessage struct {
	Reason string
}

func (e *DiscardMessage) Error() string {
	return "discard: " + e.Reason
}

// RejectMessage is returned by a handler to bounce the message to its
// sender with Reason.
type RejectMessage struct {
	Reason string
}

func (e *RejectMessage) Error() string {
	return "reject: " + e.Reason
}

// Bouncer returns a rejected message to its sender.
type Bouncer interface {
	Bounce(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata, reasons []string) error
}
