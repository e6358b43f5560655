package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal reads a bare or quoted YAML scalar as an exact, non-negative decimal.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", node.Line)
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" || node.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", node.Line, node.Value, err)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("line %d: decimal %s must not be negative", node.Line, raw)
	}
	d.Decimal = v
	return nil
}
