package runner

import (
	"context"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/storage"
)

// Archive stores list postings through the configured archiver.
type Archive struct {
	archiver storage.Archiver
}

func NewArchive(archiver storage.Archiver) *Archive {
	return &Archive{archiver: archiver}
}

func (r *Archive) Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if list == nil {
		logger.Error("Runner[archive]: Entry has no list", "message_id", msg.LogID())
		return false, nil
	}
	received := time.Now()
	if ts, ok := meta.Int(consts.MetaReceivedTime); ok && ts > 0 {
		received = time.Unix(int64(ts), 0)
	}
	key, err := r.archiver.Archive(ctx, list.ListID(), msg.Bytes(), received)
	if err != nil {
		return false, err
	}
	logger.Info("Runner[archive]: Archived", "list", list.ListID(), "message_id", msg.LogID(), "key", key)
	return false, nil
}
