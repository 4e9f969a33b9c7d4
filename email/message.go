// Package email holds the in-flight representation of a list message: the
// parsed header, the raw body and the queue metadata that travels with it.
package email

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/helpers"
)

// Message is an RFC 5322 message. Body is kept undecoded so that a message
// passing through the pipeline untouched is delivered byte for byte.
type Message struct {
	Header message.Header
	Body   []byte
}

// Parse splits raw into header and body.
func Parse(raw []byte) (*Message, error) {
	return Read(bytes.NewReader(raw))
}

func Read(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return &Message{Header: message.Header{Header: h}, Body: body}, nil
}

// Bytes serializes the message.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	_ = m.WriteTo(&buf)
	return buf.Bytes()
}

func (m *Message) WriteTo(w io.Writer) error {
	if err := textproto.WriteHeader(w, m.Header.Header); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

func (m *Message) Size() int {
	return len(m.Bytes())
}

func (m *Message) Clone() *Message {
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &Message{Header: m.Header.Copy(), Body: body}
}

// Get returns the unfolded value of the last field named key.
func (m *Message) Get(key string) string {
	return strings.TrimSpace(helpers.UnfoldHeader(m.Header.Get(key)))
}

// LogID identifies the message in log lines.
func (m *Message) LogID() string {
	if id := m.Get("Message-Id"); id != "" {
		return id
	}
	return "n/a"
}

// Subject returns the decoded Subject, or "" when absent.
func (m *Message) Subject() string {
	mh := mail.Header{Header: m.Header}
	s, err := mh.Subject()
	if err != nil {
		return m.Get("Subject")
	}
	return strings.TrimSpace(helpers.UnfoldHeader(s))
}

func (m *Message) SetSubject(s string) {
	mh := mail.Header{Header: m.Header}
	mh.SetSubject(s)
	m.Header = mh.Header
}

// EnsureMessageID adds a Message-Id when the message has none.
func (m *Message) EnsureMessageID(hostname string) error {
	if m.Header.Has("Message-Id") {
		return nil
	}
	mh := mail.Header{Header: m.Header}
	if err := mh.GenerateMessageIDWithHostname(hostname); err != nil {
		return err
	}
	m.Header = mh.Header
	return nil
}

// Addresses returns the normalized bare addresses found in the named
// header fields, in order, skipping duplicates and unparseable entries.
func (m *Message) Addresses(keys ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, key := range keys {
		for _, value := range m.Header.Values(key) {
			list, err := mail.ParseAddressList(value)
			if err != nil {
				if a := helpers.NormalizeAddress(value); a != "" && !seen[a] {
					seen[a] = true
					out = append(out, a)
				}
				continue
			}
			for _, addr := range list {
				a := strings.ToLower(addr.Address)
				if a != "" && !seen[a] {
					seen[a] = true
					out = append(out, a)
				}
			}
		}
	}
	return out
}

// DisplayName returns the display name of the first address in key.
func (m *Message) DisplayName(key string) string {
	addr, err := mail.ParseAddress(m.Get(key))
	if err != nil {
		return ""
	}
	return addr.Name
}

// Senders lists candidate sender addresses in order of preference: From,
// the envelope sender, Reply-To, Sender.
func (m *Message) Senders(meta Metadata) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(list ...string) {
		for _, a := range list {
			if a != "" && !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	add(m.Addresses("From")...)
	if meta != nil {
		add(helpers.NormalizeAddress(meta.String(consts.MetaEnvelopeSender)))
	}
	add(m.Addresses("Reply-To")...)
	add(m.Addresses("Sender")...)
	return out
}

// Sender is the first of Senders, or "".
func (m *Message) Sender(meta Metadata) string {
	if s := m.Senders(meta); len(s) > 0 {
		return s[0]
	}
	return ""
}

// Recipients returns the explicit To and Cc addresses.
func (m *Message) Recipients() []string {
	return m.Addresses("To", "Cc")
}

// ContentType returns the lower-cased media type, defaulting to text/plain.
func (m *Message) ContentType() (string, map[string]string) {
	t, params, err := m.Header.ContentType()
	if err != nil || t == "" {
		return "text/plain", map[string]string{"charset": "us-ascii"}
	}
	return strings.ToLower(t), params
}

func (m *Message) IsMultipart() bool {
	t, _ := m.ContentType()
	return strings.HasPrefix(t, "multipart/")
}

// Entity returns a decoding view of the message. Unknown charsets and
// transfer encodings are tolerated; the body is then read as-is.
func (m *Message) Entity() (*message.Entity, error) {
	e, err := message.New(m.Header.Copy(), bytes.NewReader(m.Body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return e, nil
}

// Text returns the decoded body of a single-part text message.
func (m *Message) Text() (string, error) {
	if m.IsMultipart() {
		return "", fmt.Errorf("message is multipart")
	}
	e, err := m.Entity()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(e.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FirstTextLines returns up to max non-empty lines of the first text/plain
// part, used by the approved rule and the command runner.
func (m *Message) FirstTextLines(max int) ([]string, error) {
	e, err := m.Entity()
	if err != nil {
		return nil, err
	}
	var text string
	err = e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil || text != "" {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		if t == "" || strings.EqualFold(t, "text/plain") {
			b, rerr := io.ReadAll(part.Body)
			if rerr != nil {
				return rerr
			}
			text = string(b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) >= max {
			break
		}
	}
	return lines, nil
}
