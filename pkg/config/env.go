// Package config resolves process configuration from the environment and
// from the policy tables document.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func Env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// EnvBool accepts 1/true/yes/on and 0/false/no/off; anything else is def.
func EnvBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func EnvMillis(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(EnvInt(k, def))
}

func EnvSeconds(k string, def int) time.Duration {
	return time.Second * time.Duration(EnvInt(k, def))
}

// EnvList splits a comma separated value, dropping blanks.
func EnvList(k string) []string {
	return SplitList(os.Getenv(k))
}

func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
