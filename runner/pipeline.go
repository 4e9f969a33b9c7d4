package runner

import (
	"context"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pipelines"
)

// Pipeline runs messages that skipped moderation, such as postings a
// moderator approved, through a handler pipeline.
type Pipeline struct {
	reg *engine.Registry
}

func NewPipeline(reg *engine.Registry) *Pipeline {
	return &Pipeline{reg: reg}
}

func (r *Pipeline) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list == nil {
		logger.Error("Runner[pipeline]: Entry has no list", "message_id", msg.LogID())
		return false, nil
	}
	name := meta.String(consts.MetaPipeline)
	if name == "" {
		name = list.GetPostingPipeline()
		if meta.Bool(consts.MetaToOwner) {
			name = list.GetOwnerPipeline()
		}
	}
	return false, r.reg.RunPipeline(ctx, name, list, msg, meta)
}

// Virgin runs messages tidings generated itself through the virgin
// pipeline, which adds the reduced list headers and queues them for
// delivery.
type Virgin struct {
	reg *engine.Registry
}

func NewVirgin(reg *engine.Registry) *Virgin {
	return &Virgin{reg: reg}
}

func (r *Virgin) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list == nil {
		logger.Error("Runner[virgin]: Entry has no list", "message_id", msg.LogID())
		return false, nil
	}
	return false, r.reg.RunPipeline(ctx, pipelines.Virgin, list, msg, meta)
}
