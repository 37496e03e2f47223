package lending

import (
	"errors"
	"fmt"
	"math"
)

const (
	// APRDecimals is the decimal scale of AccruingInterestAPR: 100 == 1%.
	APRDecimals = 2
	// APRDenominator is the APR value representing 100% per year.
	APRDenominator = 10_000
	// SecondsPerYear is the accrual time unit.
	SecondsPerYear = 31_536_000

	DefaultMinDuration          = 600
	DefaultMaxAccruingAPR       = 16_000_000
	DefaultMinExtensionDuration = 86_400
	DefaultMaxExtensionDuration = 90 * 86_400
)

// Config holds the bounds the engine enforces on loan terms.
type Config struct {
	// MinDuration is the shortest loan duration in seconds.
	MinDuration uint64 `toml:"MinDuration" yaml:"minDuration"`
	// MaxAccruingAPR caps the accruing interest rate, in APRDecimals.
	MaxAccruingAPR uint32 `toml:"MaxAccruingAPR" yaml:"maxAccruingAPR"`
	// MinExtensionDuration and MaxExtensionDuration bound a single extension.
	MinExtensionDuration uint64 `toml:"MinExtensionDuration" yaml:"minExtensionDuration"`
	MaxExtensionDuration uint64 `toml:"MaxExtensionDuration" yaml:"maxExtensionDuration"`
	// MinLiquidationBps is the share of total debt a liquidation must settle
	// under the default liquidation model.
	MinLiquidationBps uint32 `toml:"MinLiquidationBps" yaml:"minLiquidationBps"`
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		MinDuration:          DefaultMinDuration,
		MaxAccruingAPR:       DefaultMaxAccruingAPR,
		MinExtensionDuration: DefaultMinExtensionDuration,
		MaxExtensionDuration: DefaultMaxExtensionDuration,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.MinDuration == 0 {
		return errors.New("lending config: MinDuration must be positive")
	}
	if c.MinExtensionDuration == 0 || c.MinExtensionDuration > c.MaxExtensionDuration || c.MaxExtensionDuration > math.MaxInt64 {
		return fmt.Errorf("lending config: invalid extension bounds [%d, %d]", c.MinExtensionDuration, c.MaxExtensionDuration)
	}
	if c.MinLiquidationBps > 10_000 {
		return fmt.Errorf("lending config: MinLiquidationBps %d exceeds 10000", c.MinLiquidationBps)
	}
	return nil
}
