package node

import "time"

const (
	baseConfidence        = 0.6
	structureBonus        = 0.1
	maxStructureBonus     = 0.2
	primaryFlagBonus      = 0.15
	processingMetadataKey = "_processing"
)

// DefaultConfidence scores a payload when no custom validator is set.
// Objects start at a base score, gain a bonus for each nested object or
// non-empty array (capped), and another when they carry primaryFlag: true.
// A nil payload scores zero.
func DefaultConfidence(data interface{}, primaryFlag string) float64 {
	if data == nil {
		return 0
	}
	obj, ok := data.(map[string]interface{})
	if !ok {
		return baseConfidence
	}

	score := baseConfidence
	bonus := 0.0
	for _, v := range obj {
		switch val := v.(type) {
		case map[string]interface{}:
			if len(val) > 0 {
				bonus += structureBonus
			}
		case []interface{}:
			if len(val) > 0 {
				bonus += structureBonus
			}
		}
	}
	if bonus > maxStructureBonus {
		bonus = maxStructureBonus
	}
	score += bonus

	if primaryFlag != "" {
		if b, ok := obj[primaryFlag].(bool); ok && b {
			score += primaryFlagBonus
		}
	}
	return clamp(score)
}

// EnhanceResult stamps processing metadata on object payloads. The input
// map is copied, never modified. Other payloads are returned unchanged.
func EnhanceResult(data interface{}, nodeName string, priority int, now time.Time) interface{} {
	obj, ok := data.(map[string]interface{})
	if !ok {
		return data
	}
	out := make(map[string]interface{}, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out[processingMetadataKey] = map[string]interface{}{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
		"node":      nodeName,
		"priority":  priority,
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
