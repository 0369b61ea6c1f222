package identity

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"parley/infrastructure"
)

// Kind is the mode of an invitee identity: exactly one of these is set per
// identity and its value must match the declared format.
type Kind string

const (
	KindEmail      Kind = "email"
	KindMobile     Kind = "mobile"
	KindNationalID Kind = "national_id"
)

// Identity is a resolved invitee or directory-search identity.
type Identity struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

var validate = validator.New()

type emailFields struct {
	Value string `validate:"required,email"`
}

type mobileFields struct {
	Value string `validate:"required,e164|numeric"`
}

// Normalize trims the raw value, validates it against the declared kind's
// format and returns the canonical identity. The national ID check digit is
// verified before any lookup is allowed to happen.
func Normalize(kind Kind, value string) (Identity, error) {
	value = strings.TrimSpace(value)

	switch kind {
	case KindEmail:
		if err := validate.Struct(emailFields{Value: value}); err != nil {
			return Identity{}, fmt.Errorf("%w: invalid email address", infrastructure.ErrValidation)
		}
		value = strings.ToLower(value)
	case KindMobile:
		if err := validate.Struct(mobileFields{Value: value}); err != nil {
			return Identity{}, fmt.Errorf("%w: invalid mobile number", infrastructure.ErrValidation)
		}
	case KindNationalID:
		if err := ValidateNationalID(value); err != nil {
			return Identity{}, err
		}
	default:
		return Identity{}, fmt.Errorf("%w: unknown identity kind %q", infrastructure.ErrValidation, kind)
	}

	return Identity{Kind: kind, Value: value}, nil
}

// ValidateNationalID checks the 13-digit national identity number format and
// its Luhn check digit.
func ValidateNationalID(id string) error {
	if len(id) != 13 {
		return fmt.Errorf("%w: national ID must be 13 digits", infrastructure.ErrValidation)
	}
	sum := 0
	for i, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: national ID must be numeric", infrastructure.ErrValidation)
		}
		d := int(r - '0')
		// Luhn: double every second digit from the right.
		if (len(id)-i)%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	if sum%10 != 0 {
		return fmt.Errorf("%w: national ID check digit mismatch", infrastructure.ErrValidation)
	}
	return nil
}

// String renders the identity for dedupe keys and log lines.
func (i Identity) String() string {
	return string(i.Kind) + ":" + i.Value
}
