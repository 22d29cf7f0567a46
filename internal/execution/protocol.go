package execution

import (
	"fmt"

	"marginBot/internal/domain"
)

// State is the tagged state of one atomic entry protocol instance. The
// protocol is modeled as an explicit enum with a single transition function
// instead of nested error-handling control flow, so every transition and its
// rollback obligation is enumerable and testable.
type State string

const (
	StateInit        State = "INIT"
	StateEntryPlaced State = "ENTRY_PLACED"
	StateTPPlaced    State = "TP_PLACED"
	StateSLPlaced    State = "SL_PLACED"
	StateRollingBack State = "ROLLING_BACK"
	StateSuccess     State = "SUCCESS"
	StateFailed      State = "FAILED"
)

// transitions enumerates every legal edge of the protocol state machine.
var transitions = map[State][]State{
	StateInit:        {StateEntryPlaced, StateFailed},
	StateEntryPlaced: {StateTPPlaced, StateRollingBack},
	StateTPPlaced:    {StateSLPlaced, StateRollingBack},
	StateSLPlaced:    {StateSuccess, StateRollingBack},
	StateRollingBack: {StateFailed},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// replacedPair records the consolidated pair the growth path cancelled to
// make room for the new one: the side, average and total of the aggregate it
// was protecting. Once set, rollback must re-place the pair or escalate.
type replacedPair struct {
	side  domain.PositionSide
	avg   float64
	total float64
}

// protocol is one in-flight atomic entry: the state plus the order IDs whose
// cancellation the current state obligates on rollback.
type protocol struct {
	symbol string
	state  State

	entryOrderID string
	tpOrderID    string
	slOrderID    string

	replaced   *replacedPair
	rolledBack bool
}

func newProtocol(symbol string) *protocol {
	return &protocol{symbol: symbol, state: StateInit}
}

// transition moves the protocol to next, rejecting any edge not enumerated
// above. All state changes go through here.
func (p *protocol) transition(next State) error {
	for _, allowed := range transitions[p.state] {
		if next == allowed {
			p.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal protocol transition %s -> %s for %s", p.state, next, p.symbol)
}
