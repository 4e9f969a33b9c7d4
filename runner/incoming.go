package runner

import (
	"context"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
)

// Incoming moderates new postings. It starts the list's posting chain, or
// the owner chain for mail to the -owner address; the accept chain runs
// the pipeline inline.
type Incoming struct {
	reg *engine.Registry
}

func NewIncoming(reg *engine.Registry) *Incoming {
	return &Incoming{reg: reg}
}

func (r *Incoming) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list == nil {
		logger.Error("Runner[in]: Entry has no list", "message_id", msg.LogID())
		return false, nil
	}
	if !meta.Has(consts.MetaOriginalSender) {
		meta[consts.MetaOriginalSender] = msg.Sender(meta)
	}
	if !meta.Has(consts.MetaOriginalSize) {
		meta[consts.MetaOriginalSize] = msg.Size()
	}

	start := list.GetPostingChain()
	if meta.Bool(consts.MetaToOwner) {
		start = list.GetOwnerChain()
	}
	disposition, err := r.reg.Process(ctx, list, msg, meta, start)
	if err != nil {
		return false, err
	}
	logger.Debug("Runner[in]: Processed", "list", list.ListID(), "message_id", msg.LogID(),
		"chain", start, "disposition", string(disposition))
	return false, nil
}
