package fees

import (
	"fmt"

	coreerrors "peerlend/core/errors"
	"peerlend/core/events"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
)

// MaxFeeBps caps the protocol fee at 10%.
const MaxFeeBps = 1_000

const EventTypeFeeConfigUpdated = "fees.config_updated"

var (
	ErrNotAdmin       = fmt.Errorf("fees: %w: caller is not the fee admin", coreerrors.ErrAuthorization)
	ErrFeeTooHigh     = fmt.Errorf("fees: %w: fee above maximum", coreerrors.ErrInvalidTerms)
	ErrCollectorUnset = fmt.Errorf("fees: %w: fee collector not configured", coreerrors.ErrInvalidTerms)
)

// Source is the read-only fee configuration consumed by the lending engine.
type Source interface {
	CurrentFeeBps() (uint32, error)
	FeeCollector() (crypto.Address, error)
}

// Store keeps the fee configuration in state.
type Store struct {
	store state.Backend
	admin crypto.Address
}

type storedConfig struct {
	FeeBps    uint32
	Collector crypto.Address
}

var configKey = state.Key("fees/config")

// NewStore returns a fee configuration store administered by admin.
func NewStore(store state.Backend, admin crypto.Address) *Store {
	return &Store{store: store, admin: admin}
}

func (s *Store) load() (storedConfig, error) {
	var cfg storedConfig
	if _, err := state.GetRLP(s.store, configKey, &cfg); err != nil {
		return storedConfig{}, err
	}
	return cfg, nil
}

// CurrentFeeBps implements Source.
func (s *Store) CurrentFeeBps() (uint32, error) {
	cfg, err := s.load()
	return cfg.FeeBps, err
}

// FeeCollector implements Source.
func (s *Store) FeeCollector() (crypto.Address, error) {
	cfg, err := s.load()
	return cfg.Collector, err
}

// Policy returns the current configuration as a Policy.
func (s *Store) Policy() (Policy, error) {
	cfg, err := s.load()
	if err != nil {
		return Policy{}, err
	}
	return Policy{FeeBps: cfg.FeeBps, Collector: cfg.Collector}, nil
}

// SetPolicy updates the fee rate and collector.
func (s *Store) SetPolicy(caller crypto.Address, policy Policy) error {
	if caller != s.admin {
		return ErrNotAdmin
	}
	if policy.FeeBps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	if policy.FeeBps > 0 && policy.Collector.IsZero() {
		return ErrCollectorUnset
	}
	if err := state.PutRLP(s.store, configKey, &storedConfig{FeeBps: policy.FeeBps, Collector: policy.Collector}); err != nil {
		return err
	}
	s.store.Emit(configUpdated{FeeBps: policy.FeeBps, Collector: policy.Collector})
	return nil
}

// LoadPolicy reads a Source into a Policy.
func LoadPolicy(src Source) (Policy, error) {
	if src == nil {
		return Policy{}, nil
	}
	bps, err := src.CurrentFeeBps()
	if err != nil {
		return Policy{}, err
	}
	collector, err := src.FeeCollector()
	if err != nil {
		return Policy{}, err
	}
	return Policy{FeeBps: bps, Collector: collector}, nil
}

type configUpdated struct {
	FeeBps    uint32
	Collector crypto.Address
}

func (configUpdated) EventType() string { return EventTypeFeeConfigUpdated }

func (e configUpdated) Event() *types.Event {
	return &types.Event{Type: EventTypeFeeConfigUpdated, Attributes: map[string]string{
		"feeBps":    events.FormatUint(uint64(e.FeeBps)),
		"collector": e.Collector.String(),
	}}
}
