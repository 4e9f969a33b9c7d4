// Package pipelines defines the built-in handler pipelines.
package pipelines

import (
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/handlers"
)

const (
	DefaultPosting = "default-posting-pipeline"
	DefaultOwner   = "default-owner-pipeline"
	Virgin         = "virgin"
)

type pipeline struct {
	name        string
	description string
	handlers    []string
}

func (p *pipeline) Name() string        { return p.name }
func (p *pipeline) Description() string { return p.description }
func (p *pipeline) Handlers() []string  { return p.handlers }

var builtin = []*pipeline{
	{
		name:        DefaultPosting,
		description: "The built-in posting pipeline.",
		handlers: []string{
			handlers.MimeDelete,
			handlers.CalculateRecipients,
			handlers.Cleanse,
			handlers.SubjectPrefix,
			handlers.CookHeaders,
			handlers.RFC2369,
			handlers.ToArchive,
			handlers.ToDigest,
			handlers.ToUsenet,
			handlers.AfterDelivery,
			handlers.Decorate,
			handlers.DMARC,
			handlers.ToOutgoing,
		},
	},
	{
		name:        DefaultOwner,
		description: "The built-in owner pipeline.",
		handlers:    []string{handlers.OwnerRecipients, handlers.ToOutgoing},
	},
	{
		name:        Virgin,
		description: "The virgin queue pipeline.",
		handlers:    []string{handlers.CookHeaders, handlers.ToOutgoing},
	},
}

// Register adds the built-in pipelines to reg.
func Register(reg *engine.Registry) {
	for _, p := range builtin {
		reg.MustAddPipeline(p)
	}
}
