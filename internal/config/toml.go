package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// tomlBackend stores config in a TOML file. Dotted keys map to tables:
// "retrieval.top_k" is top_k under [retrieval].
type tomlBackend struct {
	mu   sync.RWMutex
	path string
	data map[string]any
}

func newTOMLBackend(path string) (*tomlBackend, error) {
	b := &tomlBackend{path: path, data: make(map[string]any)}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *tomlBackend) load() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", b.path, err)
	}
	var loaded map[string]any
	if err := toml.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parsing config file %s: %w", b.path, err)
	}
	b.data = flattenMap(loaded, "")
	return nil
}

// save writes the file (caller must hold the lock).
func (b *tomlBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	raw, err := toml.Marshal(nestMap(b.data))
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, raw, 0o600)
}

func (b *tomlBackend) GetString(key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *tomlBackend) GetInt(key string) (int, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	// TOML integers are parsed as int64.
	switch val := v.(type) {
	case int64:
		return int(val), true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *tomlBackend) SetString(key, val string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = val
	return b.save()
}

func (b *tomlBackend) SetInt(key string, val int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = int64(val)
	return b.save()
}

// setRaw stores an already typed value (float64, bool).
func (b *tomlBackend) setRaw(key string, val any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = val
	return b.save()
}

func (b *tomlBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return b.save()
}

// flattenMap converts nested tables to dot-notation keys.
// E.g., {"a": {"b": 1}} becomes {"a.b": 1}.
func flattenMap(m map[string]any, prefix string) map[string]any {
	result := make(map[string]any)
	for key, value := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flattenMap(nested, fullKey) {
				result[k] = v
			}
		} else {
			result[fullKey] = value
		}
	}
	return result
}

// nestMap is the inverse of flattenMap.
func nestMap(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = value
	}
	return out
}
