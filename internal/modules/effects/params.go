package effects

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Track identifies the media sub-pipeline a category belongs to.
type Track string

const (
	TrackAudio Track = "audio"
	TrackVideo Track = "video"
)

// Params holds the scalar (or list) values of one effect, as decoded from YAML or JSON.
type Params map[string]interface{}

// Clone returns a shallow copy; nil stays nil.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		if list, ok := v.([]interface{}); ok {
			v = append([]interface{}(nil), list...)
		}
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FilterStep is one resolved effect: a category plus its validated parameters.
// The zero value is not usable; steps come from a Registry.
type FilterStep struct {
	category string
	params   Params
}

func newStep(category string, params Params) FilterStep {
	return FilterStep{category: category, params: params.Clone()}
}

// Category returns the category name.
func (s FilterStep) Category() string { return s.category }

// Params returns a copy of the step's parameters.
func (s FilterStep) Params() Params { return s.params.Clone() }

// IsNone reports whether the step is the no-op preset.
func (s FilterStep) IsNone() bool { return len(s.params) == 0 }

// Helper functions

func getFloat(params Params, key string, defaultVal float64) float64 {
	if v, ok := params[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return defaultVal
}

func getString(params Params, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return defaultVal
}

// Float coerces a decoded parameter value to a finite number. NaN and infinities are
// rejected.
func Float(v interface{}) (float64, bool) {
	return toFloat(v)
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toFloatList accepts a YAML/JSON list of numbers or a pipe-separated string ("10|20").
func toFloatList(v interface{}) ([]float64, bool) {
	switch val := v.(type) {
	case []float64:
		for _, f := range val {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, false
			}
		}
		return append([]float64(nil), val...), true
	case []int:
		out := make([]float64, len(val))
		for i, n := range val {
			out[i] = float64(n)
		}
		return out, true
	case []interface{}:
		out := make([]float64, 0, len(val))
		for _, item := range val {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	case string:
		var out []float64
		for _, part := range strings.Split(val, "|") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, ok := toFloat(part)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, len(out) > 0
	}
	return nil, false
}

// num formats a float without trailing zeros so rendered fragments are byte-stable.
func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func joinNums(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = num(v)
	}
	return strings.Join(parts, "|")
}

func describe(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
