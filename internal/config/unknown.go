package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// knownKeys lists every dotted key the decoder understands. Keys found
// in a file but absent here are reported as errors so typos fail fast
// instead of silently falling back to defaults.
var knownKeys = map[string]bool{
	"server":            true,
	"server.base_url":   true,
	"server.timeout":    true,
	"server.rate_limit": true,
	"server.user_agent": true,

	"auth":               true,
	"auth.token_url":     true,
	"auth.client_id":     true,
	"auth.client_secret": true,
	"auth.session_file":  true,

	"storage":           true,
	"storage.dir":       true,
	"storage.cache_ttl": true,

	"sync":                   true,
	"sync.batch_size":        true,
	"sync.max_concurrent":    true,
	"sync.interval":          true,
	"sync.action_timeout":    true,
	"sync.base_delay":        true,
	"sync.cap_delay":         true,
	"sync.max_retries":       true,
	"sync.conflict_strategy": true,

	"tabs":                    true,
	"tabs.relay_url":          true,
	"tabs.relay_listen":       true,
	"tabs.heartbeat_interval": true,
	"tabs.heartbeat_timeout":  true,

	"health":                true,
	"health.probe_interval": true,
	"health.base_backoff":   true,
	"health.max_attempts":   true,

	"logging":            true,
	"logging.log_level":  true,
	"logging.log_format": true,
}

const maxLevenshteinDistance = 3

// checkUnknownKeys reports undecoded keys, suggesting the closest known
// key when one is within edit distance.
func checkUnknownKeys(md *toml.MetaData) error {
	for _, key := range md.Undecoded() {
		name := key.String()
		if knownKeys[name] {
			continue
		}
		if suggestion := closestMatch(name); suggestion != "" {
			return fmt.Errorf("unknown key %q (did you mean %q?)", name, suggestion)
		}
		return fmt.Errorf("unknown key %q", name)
	}
	return nil
}

func closestMatch(key string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1
	for known := range knownKeys {
		if !strings.Contains(known, ".") {
			continue
		}
		if d := levenshtein(key, known); d < bestDist {
			best = known
			bestDist = d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
