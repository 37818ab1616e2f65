// Package config parses printer.cfg style configuration files and provides
// typed, access-tracked option lookups per section.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config holds the parsed sections of a configuration file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessed map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include glob] directives are resolved
// relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.loadFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Include directives are rejected
// since there is no base directory to resolve them against.
func LoadString(data string) (*Config, error) {
	c := New()
	include := func(spec string, line int) error {
		return fmt.Errorf("config: include not supported at line %d", line)
	}
	if err := c.parse(strings.NewReader(data), "<string>", include); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	include := func(spec string, line int) error {
		pattern := filepath.Join(dir, spec)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
		}
		if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
			return fmt.Errorf("config: include file does not exist: %s", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := c.loadFile(m, visited); err != nil {
				return err
			}
		}
		return nil
	}
	return c.parse(f, path, include)
}

// parse reads "[section]" headers and "key: value" / "key = value" lines.
// Lines prefixed with "#*#" (SAVE_CONFIG blocks) are parsed as regular
// content; any other '#' starts a comment.
func (c *Config) parse(r io.Reader, name string, include func(spec string, line int) error) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
		} else if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, name)
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				spec = strings.TrimSpace(spec)
				if spec == "" {
					return fmt.Errorf("config: empty include at line %d in %s", lineNum, name)
				}
				if err := include(spec, lineNum); err != nil {
					return err
				}
				continue
			}
			section = header
			options = make(map[string]string)
			continue
		}

		if section == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		options[key] = strings.TrimSpace(value)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

// addSection adds a section, merging options into an existing section of
// the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section or a missing-section error.
func (c *Config) GetSection(name string) (*Section, error) {
	sec := c.GetSectionOptional(name)
	if sec == nil {
		return nil, ErrMissingSection(name)
	}
	return sec, nil
}

// GetSectionOptional returns the named section, or nil if absent.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetPrefixSections returns, in file order, every section whose name starts
// with prefix. The returned sections are marked as accessed.
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessed[name] = struct{}{}
			result = append(result, c.sections[name])
		}
	}
	return result
}

// GetUnusedSections returns the sorted names of sections never looked up.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnusedOptions returns an error naming every option that was present
// in an accessed section but never read.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for name, sec := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			continue
		}
		if unused := sec.GetUnusedOptions(); len(unused) > 0 {
			sort.Strings(unused)
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
