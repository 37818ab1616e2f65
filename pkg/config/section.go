package config

import (
	"strconv"
	"strings"
	"sync"
)

// Section is one "[name]" block of a configuration file. Option names are
// case-insensitive. Every lookup, including one answered by a fallback, marks
// the option as accessed.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the full section name, e.g. "mlx90614 chamber".
func (s *Section) GetName() string {
	return s.name
}

// ShortName returns the last word of the section name, the object name
// used in "[type name]" sections.
func (s *Section) ShortName() string {
	fields := strings.Fields(s.name)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[key]
	return v, ok
}

// GetUnusedOptions returns options that were present but never read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	return result
}

// HasOption checks if an option exists without marking it accessed.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option, the fallback if given, or a missing-option
// error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", ErrMissingOption(s.name, option)
}

// GetInt returns an integer option. Values with a 0x, 0o or 0b prefix are
// accepted, which is how chip addresses are usually written.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	i, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "integer")
	}
	return int(i), nil
}

// GetIntWithBounds returns an integer option within [minVal, maxVal]; nil
// bounds are unchecked.
func (s *Section) GetIntWithBounds(option string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if minVal != nil && v < *minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*minVal))
	}
	if maxVal != nil && v > *maxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*maxVal))
	}
	return v, nil
}

// GetFloat returns a float64 option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "float")
	}
	return f, nil
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // >=
	MaxVal *float64 // <=
	Above  *float64 // >
	Below  *float64 // <
}

// GetFloatWithBounds returns a float64 option with bounds checking, in the
// manner of getfloat(minval, maxval, above, below).
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+format(*bounds.MinVal))
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+format(*bounds.MaxVal))
	case bounds.Above != nil && v <= *bounds.Above:
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+format(*bounds.Above))
	case bounds.Below != nil && v >= *bounds.Below:
		return 0, ErrOutOfRange(s.name, option, v, "must be below "+format(*bounds.Below))
	}
	return v, nil
}

// GetBool returns a boolean option. Accepts 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, ErrMissingOption(s.name, option)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
}

// GetChoice returns a string option that must case-insensitively match one
// of choices. The canonical spelling from choices is returned.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(v), c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetList splits an option by sep, trimming and dropping empty items.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, ErrMissingOption(s.name, option)
	}
	result := []string{}
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result, nil
}
