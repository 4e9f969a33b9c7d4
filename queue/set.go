package queue

import (
	"errors"
	"fmt"
	"sort"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
)

// AllQueues are the queues a server creates.
var AllQueues = []string{
	consts.QueueIn,
	consts.QueueOut,
	consts.QueuePipeline,
	consts.QueueCommand,
	consts.QueueArchive,
	consts.QueueDigest,
	consts.QueueNNTP,
	consts.QueueVirgin,
	consts.QueueBounces,
	consts.QueueShunt,
	consts.QueueBad,
}

// Enqueuer puts a message on a named queue.
type Enqueuer interface {
	Enqueue(queue string, msg *email.Message, meta email.Metadata) (string, error)
}

// Set holds one unsliced switchboard per queue.
type Set struct {
	base        string
	maxRestarts int
	boards      map[string]*Switchboard
}

func NewSet(cfg config.QueueConfig, names ...string) (*Set, error) {
	if len(names) == 0 {
		names = AllQueues
	}
	s := &Set{
		base:        cfg.Path,
		maxRestarts: cfg.GetMaxRestarts(),
		boards:      make(map[string]*Switchboard, len(names)),
	}
	for _, name := range names {
		sb, err := New(cfg.Path, name, 0, 1, s.maxRestarts)
		if err != nil {
			return nil, err
		}
		s.boards[name] = sb
	}
	return s, nil
}

func (s *Set) Get(name string) (*Switchboard, error) {
	sb, ok := s.boards[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	return sb, nil
}

// Slice returns a switchboard over the same directory restricted to one
// hash slice. Enqueues on the set's switchboard wake its subscribers.
func (s *Set) Slice(name string, slice, count int) (*Switchboard, error) {
	if _, err := s.Get(name); err != nil {
		return nil, err
	}
	return New(s.base, name, slice, count, s.maxRestarts)
}

func (s *Set) Enqueue(queue string, msg *email.Message, meta email.Metadata) (string, error) {
	sb, err := s.Get(queue)
	if err != nil {
		return "", err
	}
	return sb.Enqueue(msg, meta)
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.boards))
	for name := range s.boards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depths returns the number of queued entries per queue. Preserved
// entries in the bad queue are counted too.
func (s *Set) Depths() (map[string]int, error) {
	out := make(map[string]int, len(s.boards))
	for name, sb := range s.boards {
		n, err := sb.Count()
		if err != nil {
			return nil, err
		}
		if name == consts.QueueBad {
			preserved, err := sb.list(extPreserved)
			if err != nil {
				return nil, err
			}
			n += len(preserved)
		}
		out[name] = n
	}
	return out, nil
}

// Unshunt moves every shunted entry back to the queue it was shunted
// from, returning how many were moved.
func (s *Set) Unshunt() (int, error) {
	shunt, err := s.Get(consts.QueueShunt)
	if err != nil {
		return 0, err
	}
	bases, err := shunt.Files()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, fb := range bases {
		msg, meta, err := shunt.Dequeue(fb)
		if errors.Is(err, ErrEntryClaimed) {
			continue
		}
		if err != nil {
			logger.Error("Switchboard: Cannot unshunt entry", "file_base", fb, "error", err)
			if ferr := shunt.Finish(fb, true); ferr != nil {
				return moved, ferr
			}
			continue
		}
		target := meta.String(consts.MetaWhichQ)
		if target == "" || target == consts.QueueShunt {
			target = consts.QueueIn
		}
		if _, err := s.Enqueue(target, msg, meta); err != nil {
			if ferr := shunt.Finish(fb, true); ferr != nil {
				logger.Error("Switchboard: Failed to preserve entry", "file_base", fb, "error", ferr)
			}
			return moved, err
		}
		if err := shunt.Finish(fb, false); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
