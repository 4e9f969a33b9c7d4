package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
)

type subjectPrefix struct {
	handler
	store Store
}

func (h *subjectPrefix) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if meta.Bool(consts.MetaIsDigest) || meta.Bool(consts.MetaFastTrack) {
		return nil
	}
	prefix := list.GetSubjectPrefix()
	if strings.TrimSpace(prefix) == "" {
		return nil
	}

	var postID int
	if strings.Contains(prefix, "%d") {
		stats, err := h.store.GetListStats(ctx, list.ListID())
		if err != nil {
			return fmt.Errorf("failed to read post id: %w", err)
		}
		postID = int(stats.PostID)
	}

	subject := msg.Subject()
	meta[consts.MetaOriginalSubject] = subject
	msg.SetSubject(helpers.ApplySubjectPrefix(subject, prefix, postID))
	return nil
}
