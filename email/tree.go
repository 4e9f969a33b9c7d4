package email

import (
	"errors"
	"io"
	"path"
	"strings"

	"github.com/emersion/go-message"
)

var knownEncodings = map[string]bool{
	"": true, "7bit": true, "8bit": true, "binary": true, "quoted-printable": true, "base64": true,
}

// Tree decodes msg into parts that Compose can write back. Leaf bodies are
// transfer-decoded and text is converted to UTF-8; the original transfer
// encoding is kept so that Compose re-applies it.
func Tree(msg *Message) (*Part, error) {
	e, err := msg.Entity()
	if err != nil {
		return nil, err
	}
	return treeOf(e)
}

func treeOf(e *message.Entity) (*Part, error) {
	p := &Part{Header: e.Header.Copy()}
	if mr := e.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return nil, err
			}
			cp, err := treeOf(child)
			if err != nil {
				return nil, err
			}
			p.Parts = append(p.Parts, cp)
		}
		return p, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, err
	}
	p.Body = body
	if cte := strings.ToLower(p.Header.Get("Content-Transfer-Encoding")); !knownEncodings[cte] {
		p.Header.Del("Content-Transfer-Encoding")
	}
	t, params, _ := p.Header.ContentType()
	if strings.HasPrefix(strings.ToLower(t), "text/") {
		if cs := strings.ToLower(params["charset"]); cs != "" && cs != "utf-8" && cs != "us-ascii" {
			params["charset"] = "utf-8"
			p.Header.SetContentType(t, params)
			p.Header.Set("Content-Transfer-Encoding", "quoted-printable")
		}
	}
	return p, nil
}

// MediaType returns the lower-cased media type, text/plain when unset.
func (p *Part) MediaType() string {
	t, _, err := p.Header.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return strings.ToLower(t)
}

func (p *Part) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType(), "multipart/")
}

// Filename returns the attachment file name from Content-Disposition or
// the Content-Type name parameter.
func (p *Part) Filename() string {
	if _, params, err := p.Header.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := p.Header.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

// FileExt is the lower-cased extension of Filename without the dot.
func (p *Part) FileExt() string {
	ext := strings.TrimPrefix(path.Ext(p.Filename()), ".")
	return strings.ToLower(ext)
}

// Walk calls fn for p and every descendant, depth first.
func (p *Part) Walk(fn func(*Part)) {
	fn(p)
	for _, c := range p.Parts {
		c.Walk(fn)
	}
}

// Count returns the number of nodes in the tree rooted at p.
func (p *Part) Count() int {
	n := 0
	p.Walk(func(*Part) { n++ })
	return n
}

// contentFields are the headers that describe a part's payload.
var contentFields = []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Description"}

// SetPayload replaces p's content with src's, including the content
// headers. Other header fields of p are kept.
func (p *Part) SetPayload(src *Part) {
	for _, k := range contentFields {
		p.Header.Del(k)
	}
	for _, k := range contentFields {
		if v := src.Header.Get(k); v != "" {
			p.Header.Set(k, v)
		}
	}
	if !p.Header.Has("Content-Type") {
		p.Header.Set("Content-Type", "text/plain")
	}
	p.Body = src.Body
	p.Parts = src.Parts
}

// ContentOnly returns a copy of p carrying only its content headers.
func (p *Part) ContentOnly() *Part {
	c := &Part{Body: p.Body, Parts: p.Parts}
	for _, k := range contentFields {
		if v := p.Header.Get(k); v != "" {
			c.Header.Set(k, v)
		}
	}
	return c
}

// Replace swaps m's header and body with those of other.
func (m *Message) Replace(other *Message) {
	m.Header = other.Header
	m.Body = other.Body
}
