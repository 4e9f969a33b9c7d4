package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/k3a/html2text"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
)

type mimeDelete struct {
	handler
	deps Deps
}

type contentFilter struct {
	filterTypes map[string]bool
	passTypes   map[string]bool
	filterExts  map[string]bool
	passExts    map[string]bool
}

func lowerSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out[strings.TrimPrefix(v, ".")] = true
		}
	}
	return out
}

func newContentFilter(list *mlist.MailingList) contentFilter {
	return contentFilter{
		filterTypes: lowerSet(list.FilterTypes),
		passTypes:   lowerSet(list.PassTypes),
		filterExts:  lowerSet(list.FilterExtensions),
		passExts:    lowerSet(list.PassExtensions),
	}
}

func typeIn(set map[string]bool, ctype string) bool {
	major, _, _ := strings.Cut(ctype, "/")
	return set[ctype] || set[major]
}

// rejectReason says why p must go, or "" when it may stay.
func (f contentFilter) rejectReason(p *email.Part) string {
	ctype := p.MediaType()
	if typeIn(f.filterTypes, ctype) {
		return "The message's content type was explicitly disallowed"
	}
	if len(f.passTypes) > 0 && !typeIn(f.passTypes, ctype) {
		return "The message's content type was not explicitly allowed"
	}
	if ext := p.FileExt(); ext != "" {
		if f.filterExts[ext] {
			return "The message's file extension was explicitly disallowed"
		}
		if len(f.passExts) > 0 && !f.passExts[ext] {
			return "The message's file extension was not explicitly allowed"
		}
	}
	return ""
}

// filterParts drops disallowed leaves below p. It reports whether p
// should be kept.
func (f contentFilter) filterParts(p *email.Part) bool {
	if !p.IsMultipart() {
		return f.rejectReason(p) == ""
	}
	kept := p.Parts[:0]
	for _, sub := range p.Parts {
		if f.filterParts(sub) {
			kept = append(kept, sub)
		}
	}
	p.Parts = kept
	return len(kept) > 0
}

// collapseAlternatives replaces each multipart/alternative below p with its
// first alternative.
func collapseAlternatives(p *email.Part) {
	if !p.IsMultipart() {
		return
	}
	for i, sub := range p.Parts {
		switch {
		case sub.MediaType() == "multipart/alternative":
			if len(sub.Parts) > 0 {
				p.Parts[i] = sub.Parts[0]
			}
		case sub.IsMultipart():
			collapseAlternatives(sub)
		}
	}
}

// recastMultipart turns a multipart holding a single part into that part.
// Signed parts are left alone.
func recastMultipart(p *email.Part) {
	if p.MediaType() == "multipart/signed" || !p.IsMultipart() {
		return
	}
	if len(p.Parts) == 1 {
		p.SetPayload(p.Parts[0])
		recastMultipart(p)
		return
	}
	for _, sub := range p.Parts {
		recastMultipart(sub)
	}
}

func htmlToPlaintext(root *email.Part) bool {
	changed := false
	root.Walk(func(p *email.Part) {
		if p.MediaType() != "text/html" || len(p.Parts) > 0 {
			return
		}
		p.Body = []byte(html2text.HTML2Text(string(p.Body)))
		p.Header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		changed = true
	})
	return changed
}

func (h *mimeDelete) Process(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if !list.FilterContent {
		return nil
	}
	root, err := email.Tree(msg)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	filter := newContentFilter(list)

	if why := filter.rejectReason(root); why != "" {
		return h.dispose(list, msg, meta, why)
	}
	before := root.Count()
	if root.IsMultipart() && !filter.filterParts(root) {
		return h.dispose(list, msg, meta, "After content filtering, the message was empty")
	}

	if list.CollapseAlternativesEnabled() {
		collapseAlternatives(root)
		if root.MediaType() == "multipart/alternative" && len(root.Parts) > 0 {
			root.SetPayload(root.Parts[0])
		}
	}
	recastMultipart(root)

	changed := before != root.Count()
	if list.ConvertHTMLToPlaintext && htmlToPlaintext(root) {
		changed = true
	}
	// An empty text part followed by one attachment becomes the attachment.
	if root.IsMultipart() && len(root.Parts) == 2 && len(root.Parts[0].Parts) == 0 &&
		strings.TrimSpace(string(root.Parts[0].Body)) == "" {
		root.SetPayload(root.Parts[1])
		changed = true
	}
	if !changed {
		return nil
	}

	root.Header.Set("X-Content-Filtered-By", "tidings/MimeDel "+h.deps.Version)
	filtered, err := email.Compose(root)
	if err != nil {
		return fmt.Errorf("failed to rebuild filtered message: %w", err)
	}
	msg.Replace(filtered)
	return nil
}

// dispose applies the list's filter_action to a message that cannot be
// delivered after filtering.
func (h *mimeDelete) dispose(list *mlist.MailingList, msg *email.Message, meta email.Metadata, why string) error {
	switch action := list.GetFilterAction(); action {
	case "reject":
		return &engine.RejectMessage{Reason: why}
	case "preserve":
		fb, err := h.deps.Queues.Enqueue(consts.QueueBad, msg.Clone(), meta.Copy())
		if err != nil {
			return fmt.Errorf("failed to preserve filtered message: %w", err)
		}
		logger.Info(fmt.Sprintf("%s preserved in file base %s", msg.LogID(), fb), "list", list.ListID())
	case "discard":
	default:
		logger.Error(fmt.Sprintf("%s invalid filter_action: %s. Treating as discard", list.FQDNListname(), action))
	}
	return &engine.DiscardMessage{Reason: why}
}
