package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/knadh/koanf/v2"
)

// ConfigKeyInfo contains metadata about a known configuration key.
type ConfigKeyInfo struct {
	Key         string // Full key path, e.g. "tenancy.headerName"
	Description string
	Type        string // "string", "int", "bool", "duration", "[]string"
	Default     any
	Deprecated  bool
	ReplacedBy  string
}

var (
	registry   = make(map[string]ConfigKeyInfo)
	registryMu sync.RWMutex
)

// RegisterConfigKeys records known configuration keys.
func RegisterConfigKeys(infos ...ConfigKeyInfo) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, info := range infos {
		registry[info.Key] = info
	}
}

// RegisterDeprecatedKey records that oldKey has been replaced by newKey.
func RegisterDeprecatedKey(oldKey, newKey string) {
	RegisterConfigKeys(ConfigKeyInfo{Key: oldKey, Deprecated: true, ReplacedBy: newKey})
}

// LookupConfigKey returns metadata for a registered config key.
func LookupConfigKey(key string) (ConfigKeyInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, exists := registry[key]
	return info, exists
}

// AllRegisteredKeys returns all registered config keys sorted alphabetically.
func AllRegisteredKeys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadDefaults sets the registered default of every key that is not already
// present in k.
func LoadDefaults(k *koanf.Koanf) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for key, info := range registry {
		if info.Default != nil && !k.Exists(key) {
			_ = k.Set(key, info.Default)
		}
	}
}

// FindSimilarKeys returns up to maxResults registered keys within a small edit
// distance of key, most similar first. Keys in the same namespace get a one
// point bonus.
func FindSimilarKeys(key string, maxResults int) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	type scored struct {
		key   string
		score int
	}

	var candidates []scored
	keyPrefix := prefixOf(key)
	for registeredKey := range registry {
		score := levenshtein.ComputeDistance(key, registeredKey)
		if keyPrefix != "" && keyPrefix == prefixOf(registeredKey) && score > 0 {
			score--
		}
		if score <= 3 {
			candidates = append(candidates, scored{registeredKey, score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	result := make([]string, 0, maxResults)
	for i := 0; i < len(candidates) && i < maxResults; i++ {
		result = append(result, candidates[i].key)
	}
	return result
}

// prefixOf returns "tenancy" for "tenancy.headerName".
func prefixOf(key string) string {
	lastDot := strings.LastIndex(key, ".")
	if lastDot == -1 {
		return ""
	}
	return key[:lastDot]
}

// hasRegisteredPrefix allows applications to register a namespace ("myapp")
// without registering every key below it.
func hasRegisteredPrefix(key string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if _, exists := registry[strings.Join(parts[:i], ".")]; exists {
			return true
		}
	}
	return false
}
