package rules

import "fmt"

func stringFrom(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func requiredStringFrom(m map[string]any, key string) (string, error) {
	s, err := stringFrom(m, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return s, nil
}

func stringListFrom(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings, got %T", key, item)
		}
		out = append(out, s)
	}
	return out, nil
}

func boolFrom(m map[string]any, key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

func floatFrom(m map[string]any, key string, def float64) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

func intFrom(m map[string]any, key string, def int) (int, error) {
	f, err := floatFrom(m, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func mapFrom(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", key, v)
	}
	return out, nil
}
