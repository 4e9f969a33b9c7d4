package email

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Part is a node of a message being composed. A part with children is
// written as multipart; its Content-Type must be multipart/*.
type Part struct {
	Header message.Header
	Body   []byte
	Parts  []*Part
}

// TextPart is a UTF-8 text/plain leaf.
func TextPart(text string) *Part {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "8bit")
	return &Part{Header: h, Body: []byte(text)}
}

// MessagePart embeds msg verbatim as message/rfc822.
func MessagePart(msg *Message) *Part {
	var h message.Header
	h.SetContentType("message/rfc822", nil)
	return &Part{Header: h, Body: msg.Bytes()}
}

// Multipart creates a multipart/<subtype> node.
func Multipart(subtype string, parts ...*Part) *Part {
	var h message.Header
	h.SetContentType("multipart/"+subtype, nil)
	return &Part{Header: h, Parts: parts}
}

// Compose renders root and parses the result back into a Message. Header
// fields set on root become the top-level header.
func Compose(root *Part) (*Message, error) {
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, root.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if err := writePart(w, root); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return Parse(buf.Bytes())
}

func writePart(w *message.Writer, p *Part) error {
	if len(p.Parts) == 0 {
		_, err := w.Write(p.Body)
		return err
	}
	for _, child := range p.Parts {
		cw, err := w.CreatePart(child.Header)
		if err != nil {
			return fmt.Errorf("failed to create part: %w", err)
		}
		if err := writePart(cw, child); err != nil {
			cw.Close()
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Envelope fills the addressing headers of a generated message.
type Envelope struct {
	From     string
	To       []string
	Subject  string
	Hostname string
}

// Apply sets From, To, Subject, Date and Message-Id on root's header.
func (e Envelope) Apply(root *Part) error {
	h := mail.Header{Header: root.Header}
	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return fmt.Errorf("invalid from address %q: %w", e.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})
	to := make([]*mail.Address, 0, len(e.To))
	for _, addr := range e.To {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		to = append(to, a)
	}
	h.SetAddressList("To", to)
	h.SetSubject(e.Subject)
	h.SetDate(time.Now())
	if err := h.GenerateMessageIDWithHostname(e.Hostname); err != nil {
		return err
	}
	root.Header = h.Header
	return nil
}

// NewTextMessage builds a plain text notice.
func NewTextMessage(env Envelope, text string) (*Message, error) {
	root := TextPart(text)
	if err := env.Apply(root); err != nil {
		return nil, err
	}
	return Compose(root)
}
