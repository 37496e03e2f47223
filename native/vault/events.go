package vault

import (
	"peerlend/core/events"
	"peerlend/core/types"
	"peerlend/crypto"
)

const (
	EventTypeEscrow  = "vault.escrow"
	EventTypeRelease = "vault.release"
	EventTypeRelay   = "vault.relay"
)

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

// newEscrowEvent builds the payload emitted when an asset enters custody.
func newEscrowEvent(asset types.Asset, from, vault crypto.Address) vaultEvent {
	return newTransferEvent(EventTypeEscrow, asset, from, vault)
}

// newReleaseEvent builds the payload emitted when an asset leaves custody.
func newReleaseEvent(asset types.Asset, vault, to crypto.Address) vaultEvent {
	return newTransferEvent(EventTypeRelease, asset, vault, to)
}

func newRelayEvent(asset types.Asset, from, to crypto.Address) vaultEvent {
	return newTransferEvent(EventTypeRelay, asset, from, to)
}

func newTransferEvent(eventType string, asset types.Asset, from, to crypto.Address) vaultEvent {
	return vaultEvent{evt: &types.Event{Type: eventType, Attributes: map[string]string{
		"category": asset.Category.String(),
		"contract": asset.Address.String(),
		"id":       events.FormatAmount(asset.ID),
		"amount":   events.FormatAmount(asset.Units()),
		"from":     from.String(),
		"to":       to.String(),
	}}}
}
