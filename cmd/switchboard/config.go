package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arkeep-io/switchboard/internal/broker"
)

type config struct {
	httpAddr        string
	logLevel        string
	monitorInterval time.Duration
	staleAfter      time.Duration
	asyncTimeout    time.Duration
	messageRate     float64
	messageBurst    int
	forwards        []string
	allowedOrigins  []string
	jwtIssuer       string
	jwtPrivateKey   string
	jwtPublicKey    string
	requireAuth     bool
}

func (c *config) brokerConfig(version string) broker.Config {
	bc := broker.DefaultConfig()
	bc.MonitorInterval = c.monitorInterval
	bc.StaleAfter = c.staleAfter
	bc.AsyncTimeout = c.asyncTimeout
	bc.MessageRate = c.messageRate
	bc.MessageBurst = c.messageBurst
	bc.Version = version
	return bc
}

// forward is one parsed --forward flag.
type forward struct {
	kind     broker.Kind
	channels []string
}

// parseForwards parses "kind=ch1,ch2" entries. A bare "kind" registers the
// kind with no default channels, so every message must name its own.
func parseForwards(specs []string) ([]forward, error) {
	out := make([]forward, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		kind, chans, _ := strings.Cut(strings.TrimSpace(s), "=")
		kind = strings.TrimSpace(kind)
		if kind == "" {
			return nil, fmt.Errorf("invalid --forward %q: missing message type", s)
		}
		if _, dup := seen[kind]; dup {
			return nil, fmt.Errorf("invalid --forward %q: type %q given twice", s, kind)
		}
		seen[kind] = struct{}{}

		fw := forward{kind: broker.Kind(kind)}
		for _, ch := range strings.Split(chans, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				fw.channels = append(fw.channels, ch)
			}
		}
		out = append(out, fw)
	}
	return out, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envListOrDefault splits a semicolon-separated variable. Semicolons keep
// the commas inside --forward values intact.
func envListOrDefault(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
