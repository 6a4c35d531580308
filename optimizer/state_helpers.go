package optimizer

import (
	"github.com/spf13/cast"
)

// Decoded hyperparameters arrive as whatever numeric type the codec picked
// (int8, uint64, float64...), so lookups go through cast.

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]any, key string, defaultValue float64) float64 {
	if val, err := cast.ToFloat64E(params[key]); err == nil && params[key] != nil {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]any, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]any, key string, defaultValue uint64) uint64 {
	if val, err := cast.ToUint64E(params[key]); err == nil && params[key] != nil {
		return val
	}
	return defaultValue
}
