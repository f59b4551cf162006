package conflict

import (
	"encoding/json"
	"fmt"
	"maps"
)

// MergeJSON merges overlay into base. Two objects are merged key by key,
// recursing into keys present in both; in every other case overlay wins.
func MergeJSON(base, overlay json.RawMessage) (json.RawMessage, error) {
	var b, o any
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, fmt.Errorf("failed to decode base: %w", err)
	}
	if err := json.Unmarshal(overlay, &o); err != nil {
		return nil, fmt.Errorf("failed to decode overlay: %w", err)
	}

	merged, err := json.Marshal(mergeValues(b, o))
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged value: %w", err)
	}
	return merged, nil
}

func mergeValues(base, overlay any) any {
	baseObj, ok := base.(map[string]any)
	if !ok {
		return overlay
	}
	overlayObj, ok := overlay.(map[string]any)
	if !ok {
		return overlay
	}

	merged := maps.Clone(baseObj)
	for key, value := range overlayObj {
		if existing, ok := merged[key]; ok {
			merged[key] = mergeValues(existing, value)
		} else {
			merged[key] = value
		}
	}
	return merged
}
