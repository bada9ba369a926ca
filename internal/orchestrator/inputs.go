package orchestrator

import (
	"fmt"

	econoserrors "econos/internal/errors"
	"econos/internal/planner"
)

// resolveInput materializes a step's effective input parameters from
// its mapping and the outputs of already-executed steps.
func (o *Orchestrator) resolveInput(step *planner.Step, outputs map[string]*StepResult) (map[string]any, error) {
	mapping := step.Input
	switch mapping.Kind {
	case "", planner.MappingDirect:
		return copyParams(mapping.Params), nil

	case planner.MappingFromPrevious:
		return sourceParams(outputs, mapping.SourceStepID, mapping.Field)

	case planner.MappingTransform:
		if mapping.Transform == nil {
			return nil, econoserrors.NewValidationError("input", "transform mapping without a transform")
		}
		source, err := sourceOutput(outputs, mapping.SourceStepID)
		if err != nil {
			return nil, err
		}
		transformed, err := mapping.Transform(asParams(source, "input"))
		if err != nil {
			return nil, fmt.Errorf("transform input from step %s: %w", mapping.SourceStepID, err)
		}
		return transformed, nil

	case planner.MappingMerge:
		merged := make(map[string]any)
		for _, src := range mapping.Sources {
			params, err := sourceParams(outputs, src.StepID, src.Field)
			if err != nil {
				return nil, err
			}
			for k, v := range params {
				merged[k] = v
			}
		}
		// literal params win over merged fields
		for k, v := range mapping.Params {
			merged[k] = v
		}
		return merged, nil
	}
	return nil, econoserrors.NewValidationError("input", fmt.Sprintf("unknown mapping kind %q", mapping.Kind))
}

// sourceParams reads an earlier step's output, narrowed to one field
// when named, as a parameter map.
func sourceParams(outputs map[string]*StepResult, stepID, field string) (map[string]any, error) {
	source, err := sourceOutput(outputs, stepID)
	if err != nil {
		return nil, err
	}
	if field == "" {
		return asParams(source, "input"), nil
	}
	m, ok := source.(map[string]any)
	if !ok {
		return nil, econoserrors.NewValidationError("input",
			fmt.Sprintf("step %s output is not an object, cannot read field %q", stepID, field))
	}
	value, ok := m[field]
	if !ok {
		return nil, econoserrors.NewValidationError("input",
			fmt.Sprintf("step %s output has no field %q", stepID, field))
	}
	return asParams(value, field), nil
}

func sourceOutput(outputs map[string]*StepResult, stepID string) (any, error) {
	if stepID == "" {
		return nil, econoserrors.NewValidationError("input", "mapping names no source step")
	}
	result, ok := outputs[stepID]
	if !ok {
		return nil, econoserrors.NewValidationError("input", "mapping references unexecuted step "+stepID)
	}
	return result.Output, nil
}

// asParams coerces an arbitrary step output into a parameter map,
// wrapping scalars and lists under the given key.
func asParams(value any, key string) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return copyParams(m)
	}
	if value == nil {
		return map[string]any{}
	}
	return map[string]any{key: value}
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
