package currency

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxIDLength bounds currency identifiers and command names. Identifiers
	// double as column names, so they must stay short and portable.
	MaxIDLength = 16

	// DefaultFormat renders an amount followed by the display name.
	DefaultFormat = "<amount> <currency>"
)

var (
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// reservedIDs collide with the fixed columns of the accounts table.
var reservedIDs = map[string]bool{
	"account_id":   true,
	"account_name": true,
}

var (
	idStrip      = regexp.MustCompile(`[^_A-Za-z0-9]`)
	commandStrip = regexp.MustCompile(`[^A-Za-z]`)
)

// Currency is an immutable currency definition. Values are created by
// Validate and shared by pointer once registered in a Catalog.
type Currency struct {
	ID             string
	Format         string
	Singular       string
	Plural         string
	Decimal        bool
	Primary        bool
	CommandPrefix  string
	CommandAliases []string
}

// Data is the raw on-disk form of a currency file.
type Data struct {
	ID             string   `yaml:"id" json:"id"`
	Format         string   `yaml:"format" json:"format"`
	Singular       string   `yaml:"singular" json:"singular"`
	Plural         string   `yaml:"plural" json:"plural"`
	Decimal        bool     `yaml:"decimal" json:"decimal"`
	Primary        bool     `yaml:"primary" json:"primary"`
	CommandPrefix  string   `yaml:"command_prefix" json:"command_prefix"`
	CommandAliases []string `yaml:"command_aliases" json:"command_aliases"`
}

// Scale is the number of fractional digits balances keep in this currency.
func (c *Currency) Scale() int32 {
	if c.Decimal {
		return 2
	}
	return 0
}

func (c *Currency) String() string {
	return c.ID
}

// Sanitize normalizes a currency identifier: characters outside
// [_A-Za-z0-9] are dropped, the rest is lowercased and cut to MaxIDLength.
func Sanitize(s string) string {
	s = strings.ToLower(idStrip.ReplaceAllString(s, ""))
	if len(s) > MaxIDLength {
		s = s[:MaxIDLength]
	}
	return s
}

// SanitizeCommand keeps letters only, lowercased and cut to MaxIDLength.
func SanitizeCommand(s string) string {
	s = strings.ToLower(commandStrip.ReplaceAllString(s, ""))
	if len(s) > MaxIDLength {
		s = s[:MaxIDLength]
	}
	return s
}

// Validate turns a raw currency record into a Currency.
func Validate(d Data) (*Currency, error) {
	id := Sanitize(d.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier (raw %q)", ErrInvalidCurrency, d.ID)
	}
	if reservedIDs[id] {
		return nil, fmt.Errorf("%w: identifier %q is reserved", ErrInvalidCurrency, id)
	}

	c := &Currency{
		ID:       id,
		Format:   d.Format,
		Singular: d.Singular,
		Plural:   d.Plural,
		Decimal:  d.Decimal,
		Primary:  d.Primary,
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.Singular == "" {
		c.Singular = id
	}
	if c.Plural == "" {
		c.Plural = c.Singular
	}

	c.CommandPrefix = SanitizeCommand(d.CommandPrefix)
	if c.CommandPrefix == "" {
		c.CommandPrefix = SanitizeCommand(id)
	}
	for _, alias := range d.CommandAliases {
		if a := SanitizeCommand(alias); a != "" {
			c.CommandAliases = append(c.CommandAliases, a)
		}
	}

	return c, nil
}
