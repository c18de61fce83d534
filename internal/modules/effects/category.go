package effects

import (
	"fmt"
	"sort"
)

// FilterSpec places a category in its track's canonical pipeline order.
type FilterSpec struct {
	Category string `json:"category"`
	Track    Track  `json:"track"`
	Rank     int    `json:"rank"`
}

// Category is the closed set of effect kinds. Each variant validates its own
// parameters and renders them into an ffmpeg filter fragment.
//
// Render is only called with parameters that passed Validate. An empty Params
// renders the empty fragment.
type Category interface {
	Spec() FilterSpec
	Validate(p Params) error
	Render(p Params) string
	isCategory()
}

// numRange bounds one numeric parameter.
type numRange struct {
	name     string
	min, max float64
	def      float64
}

type base struct {
	spec   FilterSpec
	ranges []numRange
	extra  []string // non-numeric parameter names
}

func (b base) Spec() FilterSpec { return b.spec }
func (b base) isCategory()      {}

func (b base) rangeFor(name string) (numRange, bool) {
	for _, r := range b.ranges {
		if r.name == name {
			return r, true
		}
	}
	return numRange{}, false
}

func (b base) allows(name string) bool {
	if _, ok := b.rangeFor(name); ok {
		return true
	}
	for _, e := range b.extra {
		if e == name {
			return true
		}
	}
	return false
}

// validateRanges rejects unknown names and out-of-range numeric values. It never clamps.
func (b base) validateRanges(p Params) error {
	for _, key := range p.Keys() {
		if !b.allows(key) {
			return b.paramErr(key, p[key], "unknown parameter")
		}
		r, ok := b.rangeFor(key)
		if !ok {
			continue
		}
		f, ok := toFloat(p[key])
		if !ok {
			return b.paramErr(key, p[key], "must be a number")
		}
		if f < r.min || f > r.max {
			return b.paramErr(key, p[key], fmt.Sprintf("must be between %s and %s", num(r.min), num(r.max)))
		}
	}
	return nil
}

func (b base) float(p Params, name string) float64 {
	r, _ := b.rangeFor(name)
	return getFloat(p, name, r.def)
}

func (b base) paramErr(param string, value interface{}, reason string) error {
	return &ParameterError{Category: b.spec.Category, Param: param, Value: value, Reason: reason}
}

var categories = map[string]Category{}

func register(c Category) {
	spec := c.Spec()
	if _, exists := categories[spec.Category]; exists {
		panic("effects: duplicate category " + spec.Category)
	}
	for _, other := range categories {
		o := other.Spec()
		if o.Track == spec.Track && o.Rank == spec.Rank {
			panic(fmt.Sprintf("effects: rank %d shared by %s and %s", spec.Rank, o.Category, spec.Category))
		}
	}
	categories[spec.Category] = c
}

func init() {
	for _, c := range audioCategories() {
		register(c)
	}
	for _, c := range videoCategories() {
		register(c)
	}
}

// Lookup returns the category registered under name.
func Lookup(name string) (Category, bool) {
	c, ok := categories[name]
	return c, ok
}

// Specs lists every category ordered by track, then rank.
func Specs() []FilterSpec {
	specs := make([]FilterSpec, 0, len(categories))
	for _, c := range categories {
		specs = append(specs, c.Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Track != specs[j].Track {
			return specs[i].Track < specs[j].Track
		}
		return specs[i].Rank < specs[j].Rank
	})
	return specs
}
