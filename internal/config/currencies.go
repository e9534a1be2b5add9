package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Currencies maps a currency code to its decimal precision. Monetary amounts
// are rounded and persisted at this precision; money is never float.
type Currencies map[string]int32

// DefaultCurrencies is the built-in precision table, used when no currency
// file is configured.
func DefaultCurrencies() Currencies {
	return Currencies{
		"USD": 2,
		"EUR": 2,
		"GBP": 2,
		"JPY": 0,
	}
}

// LoadCurrencies reads a YAML precision table, e.g.:
//
//	USD: 2
//	JPY: 0
//	BTC: 8
func LoadCurrencies(path string) (Currencies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read currency file: %w", err)
	}
	var c Currencies
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse currency file: %w", err)
	}
	for code, prec := range c {
		if prec < 0 {
			return nil, fmt.Errorf("currency %s: precision must not be negative", code)
		}
	}
	return c, nil
}

// Recognized reports whether code is a known currency.
func (c Currencies) Recognized(code string) bool {
	_, ok := c[code]
	return ok
}

// Precision returns the decimal places for code, defaulting to 2 for
// unknown codes so callers that already validated don't need a second check.
func (c Currencies) Precision(code string) int32 {
	if p, ok := c[code]; ok {
		return p
	}
	return 2
}
