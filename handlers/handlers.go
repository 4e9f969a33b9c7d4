// Package handlers holds the pipeline stages that prepare an accepted
// posting for delivery: content filtering, recipient calculation, header
// cooking, decoration and hand-off to the archive, digest and outgoing
// queues.
//
// A handler modifies the message and its metadata in place. It stops the
// pipeline by returning *engine.DiscardMessage or *engine.RejectMessage.
package handlers

import (
	"context"

	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/queue"
	"github.com/migadu/tidings/templates"
)

// Handler names.
const (
	MimeDelete          = "mime-delete"
	CalculateRecipients = "calculate-recipients"
	Cleanse             = "cleanse"
	SubjectPrefix       = "subject-prefix"
	CookHeaders         = "cook-headers"
	RFC2369             = "rfc-2369"
	ToArchive           = "to-archive"
	ToDigest            = "to-digest"
	ToUsenet            = "to-usenet"
	AfterDelivery       = "after-delivery"
	Decorate            = "decorate"
	DMARC               = "dmarc"
	OwnerRecipients     = "owner-recipients"
	ToOutgoing          = "to-outgoing"
)

// Store is the persistence the handlers need.
type Store interface {
	mlist.Roster
	AppendDigest(ctx context.Context, m *db.DigestMessage) (int64, error)
	GetListStats(ctx context.Context, listID string) (*db.ListStats, error)
	BumpPostID(ctx context.Context, listID string, now int64) (int64, error)
}

type Deps struct {
	Store   Store
	Queues  queue.Enqueuer
	Catalog *templates.Catalog
	// Hostname is used for generated Message-IDs.
	Hostname  string
	SiteOwner string
	Version   string
}

type handler struct {
	name        string
	description string
}

func (h handler) Name() string        { return h.name }
func (h handler) Description() string { return h.description }

// Register adds every built-in handler to reg.
func Register(reg *engine.Registry, deps Deps) {
	for _, h := range []engine.Handler{
		&mimeDelete{handler{MimeDelete, "Filter the MIME content of messages."}, deps},
		&calculateRecipients{handler{CalculateRecipients, "Calculate the regular recipients of the message."}, deps.Store},
		&cleanse{handler{Cleanse, "Cleanse certain headers from all messages."}, deps.Hostname},
		&subjectPrefix{handler{SubjectPrefix, "Add a list-specific prefix to the Subject header value."}, deps.Store},
		&cookHeaders{handler{CookHeaders, "Modify message headers."}, deps},
		&rfc2369{handler{RFC2369, "Add the RFC 2369 List-* headers."}},
		&toArchive{handler{ToArchive, "Add the message to the archives."}, deps.Queues},
		&toDigest{handler{ToDigest, "Add the message to the digest, possibly sending it."}, deps},
		&toUsenet{handler{ToUsenet, "Move the message to the outgoing news queue."}, deps.Queues},
		&afterDelivery{handler{AfterDelivery, "Perform some bookkeeping after a successful post."}, deps.Store},
		&decorate{handler{Decorate, "Decorate a message with headers and footers."}, deps.Catalog},
		&dmarcMitigation{handler{DMARC, "Apply DMARC mitigations."}, deps},
		&ownerRecipients{handler{OwnerRecipients, "Calculate the owner and moderator recipients."}, deps},
		&toOutgoing{handler{ToOutgoing, "Send the message to the outgoing queue."}, deps},
	} {
		reg.MustAddHandler(h)
	}
}
