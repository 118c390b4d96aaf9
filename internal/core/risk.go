package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is the declared risk of a response action intent.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the four defined levels.
func (r RiskLevel) Valid() bool {
	return r >= RiskLow && r <= RiskCritical
}

// ParseRiskLevel converts a case-insensitive name to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalJSON encodes the unset level as "" so it decodes back to zero.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	if r == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*r = 0
		return nil
	}
	parsed, err := ParseRiskLevel(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r RiskLevel) MarshalYAML() (interface{}, error) {
	if r == 0 {
		return "", nil
	}
	return r.String(), nil
}

func (r *RiskLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	if str == "" {
		*r = 0
		return nil
	}
	parsed, err := ParseRiskLevel(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
