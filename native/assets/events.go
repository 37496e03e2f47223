package assets

import (
	"peerlend/core/events"
	"peerlend/core/types"
	"peerlend/crypto"
)

const (
	EventTypeTransfer = "assets.transfer"
	EventTypeApproval = "assets.approval"
)

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

func newTransferEvent(operator, from, to crypto.Address, asset types.Asset) ledgerEvent {
	return ledgerEvent{evt: &types.Event{Type: EventTypeTransfer, Attributes: map[string]string{
		"operator": operator.String(),
		"from":     from.String(),
		"to":       to.String(),
		"category": asset.Category.String(),
		"contract": asset.Address.String(),
		"id":       events.FormatAmount(asset.ID),
		"amount":   events.FormatAmount(asset.Units()),
	}}}
}

func newApprovalEvent(owner, spender, contract crypto.Address, scope string) ledgerEvent {
	return ledgerEvent{evt: &types.Event{Type: EventTypeApproval, Attributes: map[string]string{
		"owner":    owner.String(),
		"spender":  spender.String(),
		"contract": contract.String(),
		"scope":    scope,
	}}}
}
