package discovery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
	"github.com/webeonic/treegix-sub007/internal/store"
)

// RuleStore reads and updates discovery rule state. *store.Store
// implements it.
type RuleStore interface {
	Rule(ctx context.Context, id uint64) (*store.Rule, error)
	Apply(ctx context.Context, d store.Diff) error
}

// Processor turns LLD values into rule state changes.
type Processor struct {
	rules RuleStore
	log   *zap.Logger
}

type Option func(*Processor)

func WithLogger(log *zap.Logger) Option {
	return func(p *Processor) {
		p.log = log
	}
}

func NewProcessor(rules RuleStore, opts ...Option) *Processor {
	p := &Processor{
		rules: rules,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process applies one value to its rule. Values for unknown rules are
// dropped. Only fields that differ from the stored rule are written.
func (p *Processor) Process(ctx context.Context, v *protocol.Value) error {
	rule, err := p.rules.Rule(ctx, v.RuleID)
	if errors.Is(err, store.ErrRuleNotFound) {
		p.log.Debug("value for unknown discovery rule", zap.Uint64("rule_id", v.RuleID))
		return nil
	}
	if err != nil {
		return err
	}

	diff := Compute(rule, v)

	if diff.Flags&store.DiffState != 0 {
		if diff.State == store.StateNormal {
			p.log.Warn("discovery rule became supported",
				zap.Uint64("rule_id", rule.ID), zap.String("host", rule.Host), zap.String("key", rule.Key))
		} else {
			p.log.Warn("discovery rule became not supported",
				zap.Uint64("rule_id", rule.ID), zap.String("host", rule.Host), zap.String("key", rule.Key),
				zap.String("error", diff.Error))
		}
	}

	return p.rules.Apply(ctx, diff)
}

// Compute returns the changes v makes to rule.
func Compute(rule *store.Rule, v *protocol.Value) store.Diff {
	diff := store.Diff{RuleID: rule.ID}

	if v.Error != nil || v.Value != nil {
		state := store.StateNotSupported
		var msg string
		discovered := -1

		if v.Error != nil {
			msg = *v.Error
		} else if rows, err := ParseRows(*v.Value); err != nil {
			msg = err.Error()
		} else {
			// a successful discovery clears the error
			state = store.StateNormal
			discovered = len(rows)
		}

		if state != rule.State {
			diff.State = state
			diff.Flags |= store.DiffState
		}
		// Error is set even when unchanged; the state change log reads it.
		diff.Error = msg
		if msg != rule.Error {
			diff.Flags |= store.DiffError
		}
		if discovered >= 0 && discovered != rule.Discovered {
			diff.Discovered = discovered
			diff.Flags |= store.DiffDiscovered
		}
	}

	if v.Meta {
		if v.LastLogSize != rule.LastLogSize {
			diff.LastLogSize = v.LastLogSize
			diff.Flags |= store.DiffLastLogSize
		}
		if v.Mtime != rule.Mtime {
			diff.Mtime = v.Mtime
			diff.Flags |= store.DiffMtime
		}
	}

	return diff
}
