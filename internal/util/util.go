package util

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
// Relative log files are placed under it.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}

// HideSecret obscures a credential for logging, keeping only the first and last few characters.
func HideSecret(secret string) string {
	if len(secret) > 8 {
		return secret[:4] + "..." + secret[len(secret)-4:]
	} else if len(secret) > 4 {
		return secret[:2] + "..." + secret[len(secret)-2:]
	} else if len(secret) > 2 {
		return secret[:1] + "..." + secret[len(secret)-1:]
	}
	return secret
}

// MaskSensitiveQuery masks credential parameters such as store_passwd within a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart := part
		valuePart := ""
		if idx := strings.Index(part, "="); idx >= 0 {
			keyPart = part[:idx]
			valuePart = part[idx+1:]
		}
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !shouldMaskParam(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideSecret(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

// MaskForm renders form values for logs with credentials and customer contact details masked.
func MaskForm(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		for _, value := range values[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			if shouldMaskParam(key) {
				value = HideSecret(value)
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}

func shouldMaskParam(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	key = strings.TrimSuffix(key, "[]")
	if key == "store_passwd" || strings.Contains(key, "password") || strings.Contains(key, "secret") || strings.Contains(key, "token") {
		return true
	}
	if strings.HasPrefix(key, "cus_") && key != "cus_city" && key != "cus_country" {
		return true
	}
	return false
}
