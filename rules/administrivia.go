package rules

import (
	"context"
	"strings"

	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/mlist"
)

// emailCommands maps a request keyword to its minimum and maximum number
// of arguments.
var emailCommands = map[string][2]int{
	"confirm":     {1, 1},
	"end":         {0, 0},
	"help":        {0, 0},
	"info":        {0, 0},
	"join":        {0, 0},
	"leave":       {0, 0},
	"lists":       {0, 0},
	"options":     {0, 0},
	"password":    {2, 2},
	"remove":      {0, 0},
	"set":         {3, 3},
	"subscribe":   {0, 3},
	"unsubscribe": {0, 1},
	"who":         {0, 0},
}

type administriviaRule struct {
	rule
	maxLines int
}

// NewAdministrivia hits on postings that look like requests meant for the
// -request address.
func NewAdministrivia(maxLines int) engine.Rule {
	return &administriviaRule{
		rule: rule{
			name:        Administrivia,
			description: "Catch mis-addressed email commands.",
			record:      true,
		},
		maxLines: maxLines,
	}
}

func isCommand(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false
	}
	bounds, ok := emailCommands[strings.ToLower(words[0])]
	if !ok {
		return false
	}
	args := len(words) - 1
	return args >= bounds[0] && args <= bounds[1]
}

func (r *administriviaRule) Check(_ context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error) {
	if !list.AdministriviaEnabled() {
		return false, nil
	}
	hit := isCommand(msg.Subject())
	if !hit {
		lines, err := msg.FirstTextLines(r.maxLines)
		if err != nil {
			return false, nil
		}
		for _, line := range lines {
			if isCommand(line) {
				hit = true
				break
			}
		}
	}
	if hit {
		recordModeration(meta, msg.Sender(meta), "Message contains administrivia")
	}
	return hit, nil
}
