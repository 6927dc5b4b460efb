package main

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

const (
	claimReceived    = "received"
	claimValidated   = "validated"
	claimReserved    = "reserved"
	claimTransferred = "transferred"
	claimCommitted   = "committed"
	claimAborted     = "aborted"
)

const (
	claimEventValidate = "validate"
	claimEventReserve  = "reserve"
	claimEventTransfer = "transfer"
	claimEventCommit   = "commit"
	claimEventAbort    = "abort"
)

// claimMachine tracks one claim request through settlement. It only records
// progress; the ledger unit decides what is committed.
type claimMachine struct {
	*fsm.FSM
	mu    sync.Mutex
	trail []string
}

func newClaimMachine() *claimMachine {
	m := &claimMachine{trail: []string{claimReceived}}
	m.FSM = fsm.NewFSM(
		claimReceived,
		fsm.Events{
			{Name: claimEventValidate, Src: []string{claimReceived}, Dst: claimValidated},
			{Name: claimEventReserve, Src: []string{claimValidated}, Dst: claimReserved},
			{Name: claimEventTransfer, Src: []string{claimReserved}, Dst: claimTransferred},
			{Name: claimEventCommit, Src: []string{claimTransferred}, Dst: claimCommitted},
			{Name: claimEventAbort, Src: []string{claimReceived, claimValidated, claimReserved, claimTransferred}, Dst: claimAborted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.mu.Lock()
				m.trail = append(m.trail, e.Dst)
				m.mu.Unlock()
			},
		},
	)
	return m
}

func (m *claimMachine) advance(ctx context.Context, event string) error {
	return m.Event(ctx, event)
}

// abort moves the claim to aborted and reports the state it failed in.
func (m *claimMachine) abort(ctx context.Context) string {
	from := m.Current()
	if m.Can(claimEventAbort) {
		_ = m.Event(ctx, claimEventAbort)
	}
	return from
}

func (m *claimMachine) Trail() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.trail))
	copy(out, m.trail)
	return out
}
