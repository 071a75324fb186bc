package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section.
var knownKeys = map[string][]string{
	"identity": {
		"authority_host", "certificate_thumbprint", "client_id",
		"private_key_file", "private_key_passphrase_env", "tenant_id",
	},
	"site":      {"hostname", "site_path", "upload_dir"},
	"transfers": {"chunk_size", "resume_sessions", "staging_dir"},
	"logging":   {"log_format", "log_level"},
	"network":   {"connect_timeout", "data_timeout", "user_agent"},
	"metrics":   {"listen_addr"},
	"ledger":    {"path"},
}

// knownSections is the sorted list of section names, for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		names = append(names, k)
	}

	slices.Sort(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(md, key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func unknownKeyError(md *toml.MetaData, key toml.Key) error {
	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		if len(key) == 1 && md.Type(section) != "Hash" {
			if s := closestMatch(section, knownSections); s != "" {
				return fmt.Errorf("unknown config key %q: did you mean section [%s]?", section, s)
			}

			return fmt.Errorf("unknown config key %q: all settings belong in a section", section)
		}

		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config section [%s]: did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if len(key) < 2 {
		return fmt.Errorf("config key %q must be a section", section)
	}

	name := key[1]
	full := section + "." + name

	if s := closestMatch(name, keys); s != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, section+"."+s)
	}

	return fmt.Errorf("unknown config key %q", full)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
