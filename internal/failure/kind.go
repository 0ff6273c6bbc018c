package failure

import (
	"fmt"
	"strings"
)

// Kind is the closed set of failure categories. Adding a kind means extending
// this block, Kinds, and every switch over Kind in the module.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindData
	KindCode
	KindTimeout
	KindNetwork
	KindResource
)

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindData, KindCode, KindTimeout, KindNetwork, KindResource, KindUnknown}
}

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DataError"
	case KindCode:
		return "CodeError"
	case KindTimeout:
		return "TimeoutError"
	case KindNetwork:
		return "NetworkError"
	case KindResource:
		return "ResourceError"
	case KindUnknown:
		return "UnknownError"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts the canonical names plus the short config keys
// ("data", "code", "timeout", "network", "resource", "unknown").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dataerror", "data":
		return KindData, nil
	case "codeerror", "code":
		return KindCode, nil
	case "timeouterror", "timeout":
		return KindTimeout, nil
	case "networkerror", "network":
		return KindNetwork, nil
	case "resourceerror", "resource":
		return KindResource, nil
	case "unknownerror", "unknown":
		return KindUnknown, nil
	default:
		return KindUnknown, fmt.Errorf("unknown error kind %q", s)
	}
}

// Severity orders records for reporting. Higher is worse.
type Severity uint8

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists severities from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Severity(%d)", uint8(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// FixTag names the remediation class that applies to a record. The zero
// value means no specific remediation.
type FixTag string

const (
	FixNone           FixTag = ""
	FixSchemaMapping  FixTag = "schema-mapping"
	FixScalarSafety   FixTag = "scalar-safety"
	FixSimplify       FixTag = "simplify"
	FixBackoff        FixTag = "backoff"
	FixSyntax         FixTag = "syntax"
	FixSandboxPolicy  FixTag = "sandbox-policy"
	FixTypeCast       FixTag = "type-cast"
	FixResultContract FixTag = "result-contract"
)

// Stage is where a failure originated.
type Stage string

const (
	StageGeneration     Stage = "generation"
	StageValidation     Stage = "validation"
	StageReconciliation Stage = "reconciliation"
	StageExecution      Stage = "execution"
	StageDegradation    Stage = "degradation"
)
