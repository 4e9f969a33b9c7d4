package handlers

import (
	"context"
	"mime"
	"strings"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/mlist"
)

var listHeaders = []string{
	"List-Id", "List-Help", "List-Unsubscribe", "List-Subscribe",
	"List-Post", "List-Owner", "List-Archive", "Archived-At",
}

type rfc2369 struct {
	handler
}

// listIDHeader renders List-Id with the description as phrase.
func listIDHeader(list *mlist.MailingList) string {
	id := "<" + list.ListID() + ">"
	desc := strings.TrimSpace(list.Description)
	if desc == "" {
		return id
	}
	return mime.QEncoding.Encode("utf-8", desc) + " " + id
}

func (h *rfc2369) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	for _, k := range listHeaders {
		msg.Header.Del(k)
	}
	if !list.IncludeRFC2369() {
		return nil
	}

	msg.Header.Set("List-Id", listIDHeader(list))
	msg.Header.Set("List-Unsubscribe", "<mailto:"+list.LeaveAddress()+">")
	if meta.Bool(consts.MetaReducedListHeaders) {
		return nil
	}

	msg.Header.Set("List-Help", "<mailto:"+list.RequestAddress()+"?subject=help>")
	msg.Header.Set("List-Subscribe", "<mailto:"+list.JoinAddress()+">")
	if list.AllowListPostsEnabled() {
		msg.Header.Set("List-Post", "<mailto:"+list.PostingAddress()+">")
	} else {
		msg.Header.Set("List-Post", "NO")
	}
	msg.Header.Set("List-Owner", "<mailto:"+list.OwnerAddress()+">")

	if list.ArchiveURL != "" && list.ArchiveEnabled() {
		base := strings.TrimSuffix(list.ArchiveURL, "/")
		msg.Header.Set("List-Archive", "<"+base+"/>")
		if id := strings.Trim(msg.Get("Message-Id"), "<>"); id != "" {
			msg.Header.Set("Archived-At", "<"+base+"/"+id+">")
		}
	}
	return nil
}
