package proposal

import (
	"peerlend/core/types"
	"peerlend/crypto"
)

const EventTypeProposalMade = "proposal.made"

type proposalEvent struct {
	evt *types.Event
}

func (e proposalEvent) EventType() string { return e.evt.Type }

func (e proposalEvent) Event() *types.Event { return e.evt }

func newMadeEvent(proposalType crypto.Address, hash crypto.Hash, proposer crypto.Address) proposalEvent {
	return proposalEvent{evt: &types.Event{Type: EventTypeProposalMade, Attributes: map[string]string{
		"proposalType": proposalType.String(),
		"proposalHash": hash.Hex(),
		"proposer":     proposer.String(),
	}}}
}
