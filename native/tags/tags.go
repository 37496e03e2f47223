// Package tags implements the access-tag gate consulted by every lending
// component to decide whether a module instance may act in a privileged role.
package tags

import (
	"fmt"
	"strings"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
)

const (
	// ActiveLoan marks lifecycle engines allowed to consume proposals and mint
	// or burn claim tokens.
	ActiveLoan = "active_loan"
	// LoanProposal marks proposal types allowed to draw credit.
	LoanProposal = "loan_proposal"
	// NonceManager marks modules allowed to revoke nonces on behalf of signers.
	NonceManager = "nonce_manager"
	// Liquidator marks third-party modules allowed to liquidate defaulted
	// loans.
	Liquidator = "liquidator"
)

const EventTypeTagSet = "tags.set"

var (
	ErrNotAdmin   = fmt.Errorf("tags: %w: caller is not the registry admin", coreerrors.ErrAuthorization)
	ErrInvalidTag = fmt.Errorf("tags: %w: empty tag", coreerrors.ErrInvalidTerms)
)

// View answers whether addr holds tag.
type View interface {
	HasTag(addr crypto.Address, tag string) bool
}

// Registry is a state-backed tag registry administered by a single address.
type Registry struct {
	store state.Backend
	admin crypto.Address
}

// NewRegistry returns a registry persisting tags in store.
func NewRegistry(store state.Backend, admin crypto.Address) *Registry {
	return &Registry{store: store, admin: admin}
}

// Admin returns the address allowed to change tags.
func (r *Registry) Admin() crypto.Address { return r.admin }

func tagKey(addr crypto.Address, tag string) []byte {
	return state.Key("tags/", addr[:], []byte(tag))
}

// HasTag implements View. Read failures are treated as "not tagged".
func (r *Registry) HasTag(addr crypto.Address, tag string) bool {
	if r == nil || r.store == nil {
		return false
	}
	raw, err := r.store.Get(tagKey(addr, normalize(tag)))
	return err == nil && len(raw) == 1 && raw[0] == 1
}

// SetTag grants or removes tag for addr.
func (r *Registry) SetTag(caller, addr crypto.Address, tag string, enabled bool) error {
	if caller != r.admin {
		return ErrNotAdmin
	}
	tag = normalize(tag)
	if tag == "" {
		return ErrInvalidTag
	}
	key := tagKey(addr, tag)
	var err error
	if enabled {
		err = r.store.Put(key, []byte{1})
	} else {
		err = r.store.Delete(key)
	}
	if err != nil {
		return err
	}
	r.store.Emit(TagSet{Address: addr, Tag: tag, Enabled: enabled})
	return nil
}

func normalize(tag string) string { return strings.ToLower(strings.TrimSpace(tag)) }

// TagSet is emitted whenever a tag is granted or removed.
type TagSet struct {
	Address crypto.Address
	Tag     string
	Enabled bool
}

// EventType satisfies events.Event.
func (TagSet) EventType() string { return EventTypeTagSet }

// Event renders the attribute form.
func (e TagSet) Event() *types.Event {
	enabled := "false"
	if e.Enabled {
		enabled = "true"
	}
	return &types.Event{Type: EventTypeTagSet, Attributes: map[string]string{
		"address": e.Address.String(),
		"tag":     e.Tag,
		"enabled": enabled,
	}}
}

// Static is an immutable in-memory View, handy for wiring fixed roles.
type Static map[crypto.Address]map[string]bool

// HasTag implements View.
func (s Static) HasTag(addr crypto.Address, tag string) bool {
	return s[addr][normalize(tag)]
}
