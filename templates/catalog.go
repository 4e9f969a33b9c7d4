// Package templates renders the notices tidings sends: confirmation
// requests, moderator notifications, welcome and goodbye messages,
// command results, footers and digest mastheads.
//
// Templates are keyed by names such as "list:user:action:subscribe". The
// built-in catalog is embedded; an optional YAML file overrides any key.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/migadu/tidings/mlist"
)

const (
	UserSubscribe      = "list:user:action:subscribe"
	UserUnsubscribe    = "list:user:action:unsubscribe"
	AdminSubscribe     = "list:admin:action:subscribe"
	AdminUnsubscribe   = "list:admin:action:unsubscribe"
	AdminPost          = "list:admin:action:post"
	UserHold           = "list:user:notice:hold"
	UserRejected       = "list:user:notice:rejected"
	UserWelcome        = "list:user:notice:welcome"
	UserGoodbye        = "list:user:notice:goodbye"
	UserResults        = "list:user:notice:results"
	UserHelp           = "list:user:notice:help"
	MemberFooter       = "list:member:regular:footer"
	MemberDigestHeader = "list:member:digest:masthead"
)

//go:embed catalog.yaml
var builtin []byte

// Source is the YAML form of one template.
type Source struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type entry struct {
	subject *template.Template
	body    *template.Template
}

// ListInfo is the list as seen by templates.
type ListInfo struct {
	Name           string
	MailHost       string
	FQDN           string
	DisplayName    string
	Description    string
	PostingAddress string
	RequestAddress string
	OwnerAddress   string
	JoinAddress    string
	LeaveAddress   string
	ArchiveURL     string
}

func ForList(l *mlist.MailingList) ListInfo {
	return ListInfo{
		Name:           l.Name,
		MailHost:       l.MailHost,
		FQDN:           l.FQDNListname(),
		DisplayName:    l.GetDisplayName(),
		Description:    l.Description,
		PostingAddress: l.PostingAddress(),
		RequestAddress: l.RequestAddress(),
		OwnerAddress:   l.OwnerAddress(),
		JoinAddress:    l.JoinAddress(),
		LeaveAddress:   l.LeaveAddress(),
		ArchiveURL:     l.ArchiveURL,
	}
}

// Data is passed to every template. Fields a template does not use are
// left empty.
type Data struct {
	List           ListInfo
	Email          string
	DisplayName    string
	Token          string
	ConfirmAddress string
	Sender         string
	Subject        string
	Reason         string
	Lines          []string
	Volume         int64
	Number         int64
}

type Catalog struct {
	entries map[string]entry
}

// Load parses the built-in catalog and, when path is set, the overrides
// in that file.
func Load(path string) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]entry)}
	if err := c.add("built-in", builtin); err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read templates: %w", err)
		}
		if err := c.add(path, raw); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(origin string, raw []byte) error {
	var sources map[string]Source
	if err := yaml.Unmarshal(raw, &sources); err != nil {
		return fmt.Errorf("failed to parse %s templates: %w", origin, err)
	}
	for key, src := range sources {
		subject, err := template.New(key + ":subject").Option("missingkey=error").Parse(src.Subject)
		if err != nil {
			return fmt.Errorf("template %s (%s): subject: %w", key, origin, err)
		}
		body, err := template.New(key).Option("missingkey=error").Parse(src.Body)
		if err != nil {
			return fmt.Errorf("template %s (%s): body: %w", key, origin, err)
		}
		c.entries[key] = entry{subject: subject, body: body}
	}
	return nil
}

func (c *Catalog) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render returns the subject (on one line) and body for key.
func (c *Catalog) Render(key string, data Data) (string, string, error) {
	e, ok := c.entries[key]
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", key)
	}
	var subject, body strings.Builder
	if err := e.subject.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("template %s: %w", key, err)
	}
	if err := e.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("template %s: %w", key, err)
	}
	return strings.Join(strings.Fields(subject.String()), " "), body.String(), nil
}
