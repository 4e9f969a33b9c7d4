package handlers

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/templates"
)

type decorate struct {
	handler
	catalog *templates.Catalog
}

func (h *decorate) footer(list *mlist.MailingList) (string, error) {
	if list.Footer != "" {
		return list.Footer, nil
	}
	_, body, err := h.catalog.Render(templates.MemberFooter, templates.Data{List: templates.ForList(list)})
	return body, err
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (h *decorate) Process(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) error {
	if meta.Bool(consts.MetaNoFooter) || meta.Bool(consts.MetaIsDigest) {
		return nil
	}
	footer, err := h.footer(list)
	if err != nil {
		return fmt.Errorf("failed to render footer: %w", err)
	}
	if strings.TrimSpace(footer) == "" {
		return nil
	}

	root, err := email.Tree(msg)
	if err != nil {
		// Undecodable messages go out undecorated.
		logger.Warn("Decorate: cannot decode message", "message_id", msg.LogID(), "error", err)
		return nil
	}

	switch {
	case root.MediaType() == "text/plain" && !root.IsMultipart():
		appendText(root, footer)
	case root.MediaType() == "multipart/mixed":
		root.Parts = append(root.Parts, email.TextPart(footer))
	default:
		root.SetPayload(email.Multipart("mixed", root.ContentOnly(), email.TextPart(footer)))
	}
	if !root.Header.Has("Mime-Version") {
		root.Header.Set("MIME-Version", "1.0")
	}

	decorated, err := email.Compose(root)
	if err != nil {
		return fmt.Errorf("failed to rebuild decorated message: %w", err)
	}
	msg.Replace(decorated)
	return nil
}

// appendText adds footer to a single text/plain part, widening the charset
// when the footer is not ASCII.
func appendText(p *email.Part, footer string) {
	body := p.Body
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		body = append(body, '\n')
	}
	p.Body = append(body, footer...)

	if isASCII(footer) {
		return
	}
	_, params, _ := p.Header.ContentType()
	if params == nil {
		params = map[string]string{}
	}
	if cs := strings.ToLower(params["charset"]); cs == "" || cs == "us-ascii" {
		params["charset"] = "utf-8"
		p.Header.SetContentType("text/plain", params)
	}
	switch strings.ToLower(p.Header.Get("Content-Transfer-Encoding")) {
	case "", "7bit":
		p.Header.Set("Content-Transfer-Encoding", "8bit")
	}
}
