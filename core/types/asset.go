package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"peerlend/crypto"
)

// Category classifies how an asset unit is counted and transferred.
type Category uint8

const (
	// CategoryFungible assets are interchangeable units tracked by balance.
	CategoryFungible Category = iota
	// CategoryNonFungible assets are unique ids with a single owner.
	CategoryNonFungible
	// CategorySemiFungible assets are ids with per-holder balances.
	CategorySemiFungible
)

// Valid reports whether the category is one of the supported values.
func (c Category) Valid() bool {
	switch c {
	case CategoryFungible, CategoryNonFungible, CategorySemiFungible:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	switch c {
	case CategoryFungible:
		return "fungible"
	case CategoryNonFungible:
		return "non-fungible"
	case CategorySemiFungible:
		return "semi-fungible"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// ParseCategory maps the names produced by String back to a category.
func ParseCategory(name string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fungible", "erc20":
		return CategoryFungible, nil
	case "non-fungible", "nonfungible", "erc721":
		return CategoryNonFungible, nil
	case "semi-fungible", "semifungible", "erc1155":
		return CategorySemiFungible, nil
	default:
		return 0, fmt.Errorf("types: unknown asset category %q", name)
	}
}

// MaxAmount is the largest representable amount (2^256 - 1).
var MaxAmount = new(uint256.Int).SetAllOne().ToBig()

// ValidAmount reports whether v is a non-negative value that fits in 256 bits.
func ValidAmount(v *big.Int) bool {
	if v == nil {
		return true
	}
	if v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

// Asset describes one unit of an asset: which contract, which id, how much.
type Asset struct {
	Category Category       `json:"category"`
	Address  crypto.Address `json:"address"`
	ID       *big.Int       `json:"id"`
	Amount   *big.Int       `json:"amount"`
}

// Fungible returns a fungible asset descriptor for amount units of contract.
func Fungible(contract crypto.Address, amount *big.Int) Asset {
	return Asset{Category: CategoryFungible, Address: contract, ID: big.NewInt(0), Amount: cloneInt(amount)}
}

// NonFungible returns a descriptor for token id of contract.
func NonFungible(contract crypto.Address, id *big.Int) Asset {
	return Asset{Category: CategoryNonFungible, Address: contract, ID: cloneInt(id), Amount: big.NewInt(0)}
}

// SemiFungible returns a descriptor for amount units of token id of contract.
func SemiFungible(contract crypto.Address, id, amount *big.Int) Asset {
	return Asset{Category: CategorySemiFungible, Address: contract, ID: cloneInt(id), Amount: cloneInt(amount)}
}

// Clone returns a deep copy with non-nil integer fields.
func (a Asset) Clone() Asset {
	return Asset{Category: a.Category, Address: a.Address, ID: cloneInt(a.ID), Amount: cloneInt(a.Amount)}
}

// WithAmount returns a copy of the asset carrying amount.
func (a Asset) WithAmount(amount *big.Int) Asset {
	clone := a.Clone()
	clone.Amount = cloneInt(amount)
	return clone
}

// Units returns the number of units the descriptor moves. Non-fungible assets
// always move exactly one unit.
func (a Asset) Units() *big.Int {
	if a.Category == CategoryNonFungible {
		return big.NewInt(1)
	}
	return cloneInt(a.Amount)
}

// IsZero reports whether the descriptor moves nothing.
func (a Asset) IsZero() bool {
	return a.Category != CategoryNonFungible && (a.Amount == nil || a.Amount.Sign() == 0)
}

// WellFormed checks the structural rules for the descriptor's category. It
// does not check that the asset contract exists.
func (a Asset) WellFormed() error {
	if !a.Category.Valid() {
		return fmt.Errorf("asset: unsupported category %d", a.Category)
	}
	if a.Address.IsZero() {
		return errors.New("asset: zero contract address")
	}
	if !ValidAmount(a.ID) || !ValidAmount(a.Amount) {
		return errors.New("asset: id or amount out of range")
	}
	switch a.Category {
	case CategoryFungible:
		if a.ID != nil && a.ID.Sign() != 0 {
			return errors.New("asset: fungible asset must have zero id")
		}
	case CategoryNonFungible:
		if a.Amount != nil && a.Amount.Cmp(big.NewInt(1)) > 0 {
			return errors.New("asset: non-fungible amount must be 0 or 1")
		}
	}
	return nil
}

func (a Asset) String() string {
	return fmt.Sprintf("%s:%s/%s×%s", a.Category, a.Address, cloneInt(a.ID), cloneInt(a.Amount))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
