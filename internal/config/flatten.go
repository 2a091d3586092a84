package config

import (
	"net/url"
	"strings"
)

// masker hides the sensitive part of one setting. Values that are not
// non-empty strings pass through unchanged.
type masker func(string) string

// secrets maps dot keys to how their values are shown by `config list` and
// `config set`. API keys keep a short tail so two keys can be told apart;
// connection strings keep everything but the password.
var secrets = map[string]masker{
	"llm.api_key":          keepTail,
	"store.mongo.uri":      redactURIPassword,
	"store.redis.password": hideAll,
}

const redacted = "REDACTED"

func keepTail(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}

func hideAll(string) string { return "***" }

// redactURIPassword replaces the password in a mongodb:// style URI. A URI
// that does not parse is hidden entirely.
func redactURIPassword(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); !ok {
		return s
	}
	u.User = url.UserPassword(u.User.Username(), redacted)
	return u.String()
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	_, ok := secrets[key]
	return ok
}

// MaskValue returns v as it may be displayed for key.
func MaskValue(key string, v any) any {
	mask, ok := secrets[key]
	if !ok {
		return v
	}
	s, isString := v.(string)
	if !isString || s == "" {
		return v
	}
	return mask(s)
}

// MaskSecrets returns a copy of flat with every credential masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = MaskValue(k, v)
	}
	return out
}

// Flatten turns nested settings into dot keys, the form `config get` and
// `config set` address them by. Empty sections produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto("", m, out)
	return out
}

func flattenInto(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten rebuilds the nested form written back to the config file. A
// dotted key below an existing scalar replaces that scalar with a section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := section[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[part] = child
			}
			section = child
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}
