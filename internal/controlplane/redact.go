package controlplane

import (
	"encoding/json"
	"strings"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
)

const redacted = "***"

// redactConfig masks secret values in a stored channel config. Secret
// references such as env:NAME are shown as written.
func redactConfig(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(`{}`)
	}
	out, err := json.Marshal(redactConfigMap(doc))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

func redactConfigMap(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if isSensitiveKey(key) {
			if s, ok := value.(string); ok && (s == "" || channels.IsSecretRef(s)) {
				out[key] = s
			} else {
				out[key] = redacted
			}
			continue
		}
		switch typed := value.(type) {
		case map[string]any:
			out[key] = redactConfigMap(typed)
		case []any:
			out[key] = redactConfigSlice(typed)
		default:
			out[key] = value
		}
	}
	return out
}

func redactConfigSlice(values []any) []any {
	out := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case map[string]any:
			out[i] = redactConfigMap(typed)
		case []any:
			out[i] = redactConfigSlice(typed)
		default:
			out[i] = value
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, needle := range []string{
		"token",
		"secret",
		"api_key",
		"apikey",
		"password",
		"passphrase",
		"signing",
		"private",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
