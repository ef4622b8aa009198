// Package validate checks and normalizes caller-supplied booking fields.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// locationPattern matches location identifiers as stored by the content side.
var locationPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-\.:]*$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole string must match
	AllowEmpty     bool
	TrimSpace      bool
	// RejectControl refuses control characters other than newline and tab.
	RejectControl bool
}

// String validates s against the constraints and returns it, trimmed if
// TrimSpace is set.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	if constraints.RejectControl {
		for _, r := range s {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return "", fmt.Errorf("%w: control character %U", ErrInvalidCharacters, r)
			}
		}
	}

	return s, nil
}

// Title validates a booking title: optional, at most 200 characters.
func Title(title string) (string, error) {
	return String(title, StringConstraints{
		MaxLength:     200,
		AllowEmpty:    true,
		TrimSpace:     true,
		RejectControl: true,
	})
}

// Description validates a booking description: optional, at most 5000 characters.
func Description(desc string) (string, error) {
	return String(desc, StringConstraints{
		MaxLength:  5000,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}

// LocationID validates a location identifier: required, at most 128
// characters of letters, digits and _ - . :
func LocationID(id string) (string, error) {
	return String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      128,
		AllowedPattern: locationPattern,
		TrimSpace:      true,
	})
}
