// Package warm implements the durable bulk-prefetch workflow. Unlike the
// in-process engine, which serves live requests from memory, warm runs each
// avatar through a persisted finite state machine so an interrupted prefetch
// resumes after a restart. Built on the superfly/fsm library.
package warm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/sievert/avatarcache/pkg/engine"
	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/source"
	"github.com/sievert/avatarcache/pkg/store"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	store      *store.Store
	resolver   resolver.Resolver
	source     source.Source
	codec      engine.Codec
	ledger     *ledger.Ledger
	maxRetries int
}

// NewMachine creates a new warm machine with dependencies
func NewMachine(
	st *store.Store,
	res resolver.Resolver,
	src source.Source,
	codec engine.Codec,
	led *ledger.Ledger,
	maxRetries int,
) *Machine {
	return &Machine{
		store:      st,
		resolver:   res,
		source:     src,
		codec:      codec,
		ledger:     led,
		maxRetries: maxRetries,
	}
}

// Register registers the avatar prefetch FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[WarmRequest, WarmResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[WarmRequest, WarmResponse](manager, "avatar-warm").
		Start(StateResolve, m.handleResolve).
		To(StateDownload, m.handleDownload).
		To(StateTransform, m.handleTransform).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
