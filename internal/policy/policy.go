// Package policy parses the per-instance configuration snapshot.
//
// Configuration is environment-first: every variable is namespaced by the
// instance prefix (FAILINJ by default, FAILINJ2/FAILINJ3/... for chained
// instances), so stacked engine instances read disjoint configuration. An
// optional YAML policy file ({PREFIX}_POLICY) contributes the same fields;
// environment variables override the file.
//
// The snapshot is read once at engine load and is immutable afterwards.
package policy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for the engine exit-code contract. The error and bug codes are
// overridable per instance; the campaign-done code is fixed.
const (
	DefaultDatabase  = "failinj.db"
	DefaultErrorExit = 32
	DefaultBugExit   = 33
	DoneExit         = 34
)

// DefaultPrefix is the environment namespace of a single, unchained
// engine instance.
const DefaultPrefix = "FAILINJ"

// LookupFunc resolves one environment variable. Injectable so tests can
// supply a fixed environment; production uses os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Config is the process-wide, immutable configuration snapshot of one
// engine instance.
type Config struct {
	// Prefix is the environment namespace this snapshot was read from.
	Prefix string

	// DatabasePath locates the campaign database. Never auto-deleted;
	// a fresh campaign starts only when the file does not exist.
	DatabasePath string

	// ErrorExit is the engine-setup failure exit code.
	ErrorExit int

	// BugExit is the exit code for undiscarded findings.
	BugExit int

	// Category-wide ignore switches. Presence of the variable enables
	// the switch; its value does not matter.
	IgnoreAllMemLeaks        bool
	IgnoreAllFdLeaks         bool
	IgnoreAllFileLeaks       bool
	IgnoreAllUntrackedCloses bool

	// Named ignore sets. A finding whose title or trace contains one
	// of these names is discarded; other findings in the same category
	// still count.
	IgnoreMemLeakNames   []string
	IgnoreUntrackedNames []string

	// SkipNames lists sites that are never chosen for injection and
	// never recorded in the campaign database.
	SkipNames []string
}

// filePolicy is the YAML shape of an optional policy file. All fields
// mirror the environment variables of the same instance.
type filePolicy struct {
	Database  string `yaml:"database"`
	ExitError *int   `yaml:"exit_error"`
	BugFound  *int   `yaml:"bug_found"`
	Ignore    struct {
		AllMemLeaks        bool     `yaml:"all_mem_leaks"`
		AllFdLeaks         bool     `yaml:"all_fd_leaks"`
		AllFileLeaks       bool     `yaml:"all_file_leaks"`
		AllUntrackedCloses bool     `yaml:"all_untracked_closes"`
		MemLeaks           []string `yaml:"mem_leaks"`
		UntrackedCloses    []string `yaml:"untracked_closes"`
	} `yaml:"ignore"`
	Skip []string `yaml:"skip"`
}

// FromEnv reads the configuration snapshot for one instance prefix.
// A nil lookup uses the process environment.
//
// Exit-code overrides follow the original convention: a value that does
// not parse as a whole integer leaves the default in place rather than
// failing the load. Only an unreadable or malformed policy file is an
// error.
func FromEnv(prefix string, lookup LookupFunc) (*Config, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := &Config{
		Prefix:       prefix,
		DatabasePath: DefaultDatabase,
		ErrorExit:    DefaultErrorExit,
		BugExit:      DefaultBugExit,
	}

	if path, ok := lookup(prefix + "_POLICY"); ok && path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if v, ok := lookup(prefix + "_DATABASE"); ok && v != "" {
		cfg.DatabasePath = v
	}
	cfg.ErrorExit = overrideExit(cfg.ErrorExit, prefix+"_EXIT_ERROR", lookup)
	cfg.BugExit = overrideExit(cfg.BugExit, prefix+"_BUG_FOUND", lookup)

	if _, ok := lookup(prefix + "_IGNORE_ALL_MEM_LEAKS"); ok {
		cfg.IgnoreAllMemLeaks = true
	}
	if _, ok := lookup(prefix + "_IGNORE_ALL_FD_LEAKS"); ok {
		cfg.IgnoreAllFdLeaks = true
	}
	if _, ok := lookup(prefix + "_IGNORE_ALL_FILE_LEAKS"); ok {
		cfg.IgnoreAllFileLeaks = true
	}
	if _, ok := lookup(prefix + "_IGNORE_ALL_UNTRACKED_CLOSES"); ok {
		cfg.IgnoreAllUntrackedCloses = true
	}

	cfg.IgnoreMemLeakNames = appendNames(cfg.IgnoreMemLeakNames, prefix+"_IGNORE_MEM_LEAKS", lookup)
	cfg.IgnoreUntrackedNames = appendNames(cfg.IgnoreUntrackedNames, prefix+"_IGNORE_UNTRACKED_CLOSES", lookup)
	cfg.SkipNames = appendNames(cfg.SkipNames, prefix+"_SKIP_INJECTION", lookup)

	return cfg, nil
}

// applyFile merges a YAML policy file into the snapshot. Environment
// variables applied afterwards take precedence.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var fp filePolicy
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if fp.Database != "" {
		c.DatabasePath = fp.Database
	}
	if fp.ExitError != nil {
		c.ErrorExit = *fp.ExitError
	}
	if fp.BugFound != nil {
		c.BugExit = *fp.BugFound
	}
	c.IgnoreAllMemLeaks = c.IgnoreAllMemLeaks || fp.Ignore.AllMemLeaks
	c.IgnoreAllFdLeaks = c.IgnoreAllFdLeaks || fp.Ignore.AllFdLeaks
	c.IgnoreAllFileLeaks = c.IgnoreAllFileLeaks || fp.Ignore.AllFileLeaks
	c.IgnoreAllUntrackedCloses = c.IgnoreAllUntrackedCloses || fp.Ignore.AllUntrackedCloses
	c.IgnoreMemLeakNames = append(c.IgnoreMemLeakNames, fp.Ignore.MemLeaks...)
	c.IgnoreUntrackedNames = append(c.IgnoreUntrackedNames, fp.Ignore.UntrackedCloses...)
	c.Skip(fp.Skip)

	return nil
}

// Skip adds names to the skip set.
func (c *Config) Skip(names []string) {
	c.SkipNames = append(c.SkipNames, names...)
}

// overrideExit applies an integer exit-code override from the
// environment. Values that do not parse completely are ignored.
func overrideExit(def int, key string, lookup LookupFunc) int {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// appendNames splits a space-separated name list from the environment.
func appendNames(dst []string, key string, lookup LookupFunc) []string {
	v, ok := lookup(key)
	if !ok {
		return dst
	}
	return append(dst, strings.Fields(v)...)
}

// Matches reports whether any name in the set occurs in the title or in
// any trace frame. Matching is by substring, so a bare function name
// matches a fully qualified frame.
func Matches(names []string, title string, trace []string) bool {
	for _, name := range names {
		if name == "" {
			continue
		}
		if strings.Contains(title, name) {
			return true
		}
		for _, frame := range trace {
			if strings.Contains(frame, name) {
				return true
			}
		}
	}
	return false
}

// SkipSite reports whether a site is in the named skip set.
func (c *Config) SkipSite(title string, trace []string) bool {
	return Matches(c.SkipNames, title, trace)
}

// IgnoreMemLeak reports whether a memory-leak finding is discarded.
func (c *Config) IgnoreMemLeak(title string, trace []string) bool {
	return c.IgnoreAllMemLeaks || Matches(c.IgnoreMemLeakNames, title, trace)
}

// IgnoreUntrackedClose reports whether an untracked-close finding is
// discarded.
func (c *Config) IgnoreUntrackedClose(title string, trace []string) bool {
	return c.IgnoreAllUntrackedCloses || Matches(c.IgnoreUntrackedNames, title, trace)
}
