package task

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	econoserrors "econos/internal/errors"
)

// FieldKind is the expected JSON shape of a schema field.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
)

// FieldSpec describes one input parameter of a task type.
type FieldSpec struct {
	Name     string
	Kind     FieldKind
	Required bool
	MaxLen   int      // strings only; 0 means unlimited
	Min      float64  // numeric lower bound, inclusive
	Max      float64  // numeric upper bound, inclusive; 0 with Min 0 means unbounded
	Enum     []string // strings only; empty means any value
}

// InputSchema is the field set accepted by one task type. Extra keys
// beyond the schema are passed through untouched so pipeline steps can
// carry upstream context.
type InputSchema struct {
	Fields []FieldSpec
}

var schemas = map[TaskType]InputSchema{
	TypeImageGeneration: {Fields: []FieldSpec{
		{Name: "prompt", Kind: FieldString, Required: true, MaxLen: 4000},
		{Name: "style", Kind: FieldString, Enum: []string{"photorealistic", "illustration", "sketch", "abstract"}},
		{Name: "width", Kind: FieldInt, Min: 64, Max: 4096},
		{Name: "height", Kind: FieldInt, Min: 64, Max: 4096},
	}},
	TypeSummaryGeneration: {Fields: []FieldSpec{
		{Name: "text", Kind: FieldString, Required: true, MaxLen: 200000},
		{Name: "maxSentences", Kind: FieldInt, Min: 1, Max: 100},
	}},
	TypeResearcher: {Fields: []FieldSpec{
		{Name: "topic", Kind: FieldString, Required: true, MaxLen: 2000},
		{Name: "depth", Kind: FieldString, Enum: []string{"shallow", "standard", "deep"}},
		{Name: "maxSources", Kind: FieldInt, Min: 1, Max: 50},
	}},
	TypeWriter: {Fields: []FieldSpec{
		{Name: "brief", Kind: FieldString, Required: true, MaxLen: 10000},
		{Name: "tone", Kind: FieldString, Enum: []string{"formal", "casual", "technical", "persuasive"}},
		{Name: "maxWords", Kind: FieldInt, Min: 50, Max: 20000},
	}},
	TypeMarketResearch: {Fields: []FieldSpec{
		{Name: "market", Kind: FieldString, Required: true, MaxLen: 2000},
		{Name: "region", Kind: FieldString, MaxLen: 200},
		{Name: "horizonMonths", Kind: FieldInt, Min: 1, Max: 120},
	}},
}

// SchemaFor returns the input schema for a task type.
func SchemaFor(t TaskType) (InputSchema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// ValidateInput checks params against the schema of the given task type.
// Required fields must be present; known fields must match their kind
// and bounds; unknown fields pass through.
func ValidateInput(t TaskType, params map[string]any) error {
	schema, ok := schemas[t]
	if !ok {
		return econoserrors.NewValidationError("taskType", fmt.Sprintf("unsupported task type %q", t))
	}
	for _, field := range schema.Fields {
		value, present := params[field.Name]
		if !present || value == nil {
			if field.Required {
				return econoserrors.NewValidationError(field.Name, "required field missing")
			}
			continue
		}
		if err := validateField(field, value); err != nil {
			return err
		}
	}
	return nil
}

func validateField(field FieldSpec, value any) error {
	switch field.Kind {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return econoserrors.NewValidationError(field.Name, fmt.Sprintf("expected string, got %T", value))
		}
		if s == "" && field.Required {
			return econoserrors.NewValidationError(field.Name, "required field empty")
		}
		if field.MaxLen > 0 && len(s) > field.MaxLen {
			return econoserrors.NewValidationError(field.Name, fmt.Sprintf("exceeds %d characters", field.MaxLen))
		}
		if len(field.Enum) > 0 && !containsString(field.Enum, s) {
			return econoserrors.NewValidationError(field.Name, fmt.Sprintf("must be one of %v", field.Enum))
		}
	case FieldInt:
		n, ok := coerceInt(value)
		if !ok {
			return econoserrors.NewValidationError(field.Name, fmt.Sprintf("expected integer, got %T", value))
		}
		if err := checkBounds(field, float64(n)); err != nil {
			return err
		}
	case FieldNumber:
		f, ok := coerceFloat(value)
		if !ok {
			return econoserrors.NewValidationError(field.Name, fmt.Sprintf("expected number, got %T", value))
		}
		if err := checkBounds(field, f); err != nil {
			return err
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return econoserrors.NewValidationError(field.Name, fmt.Sprintf("expected boolean, got %T", value))
		}
	}
	return nil
}

func checkBounds(field FieldSpec, v float64) error {
	if field.Min == 0 && field.Max == 0 {
		return nil
	}
	if v < field.Min || v > field.Max {
		return econoserrors.NewValidationError(field.Name,
			fmt.Sprintf("must be between %s and %s", trimFloat(field.Min), trimFloat(field.Max)))
	}
	return nil
}

// coerceInt accepts the integer encodings JSON decoding produces.
func coerceInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func coerceFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
