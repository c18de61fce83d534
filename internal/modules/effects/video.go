package effects

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxTextLength = 200

var (
	aspectPattern = regexp.MustCompile(`^([1-9][0-9]?):([1-9][0-9]?)$`)
	colorPattern  = regexp.MustCompile(`^(#[0-9a-fA-F]{6}|[a-zA-Z]{3,20})$`)
)

// transforms is the allowlist of geometric filters accepted verbatim.
var transforms = map[string]bool{
	"hflip":       true,
	"vflip":       true,
	"hflip,vflip": true,
	"transpose=0": true,
	"transpose=1": true,
	"transpose=2": true,
	"transpose=3": true,
}

var textPositions = map[string][2]string{
	"topleft":     {"20", "20"},
	"top":         {"(w-tw)/2", "20"},
	"topright":    {"w-tw-20", "20"},
	"center":      {"(w-tw)/2", "(h-th)/2"},
	"bottomleft":  {"20", "h-th-20"},
	"bottom":      {"(w-tw)/2", "h-th-20"},
	"bottomright": {"w-tw-20", "h-th-20"},
}

func videoCategories() []Category {
	return []Category{
		cropCategory{base{
			spec: FilterSpec{Category: "crop", Track: TrackVideo, Rank: 10},
			ranges: []numRange{
				{name: "width", min: 16, max: 16384},
				{name: "height", min: 16, max: 16384},
				{name: "x", min: 0, max: 16384},
				{name: "y", min: 0, max: 16384},
			},
			extra: []string{"aspect"},
		}},
		scaleCategory{base{
			spec: FilterSpec{Category: "scale", Track: TrackVideo, Rank: 20},
			ranges: []numRange{
				{name: "width", min: -2, max: 16384, def: -2},
				{name: "height", min: -2, max: 16384, def: -2},
			},
		}},
		transformCategory{base{
			spec:  FilterSpec{Category: "transform", Track: TrackVideo, Rank: 30},
			extra: []string{"filter"},
		}},
		eqCategory{base{
			spec:   FilterSpec{Category: "brightness", Track: TrackVideo, Rank: 40},
			ranges: []numRange{{name: "brightness", min: -1, max: 1, def: 0}},
		}},
		eqCategory{base{
			spec:   FilterSpec{Category: "contrast", Track: TrackVideo, Rank: 50},
			ranges: []numRange{{name: "contrast", min: 0, max: 3, def: 1}},
		}},
		eqCategory{base{
			spec:   FilterSpec{Category: "saturation", Track: TrackVideo, Rank: 60},
			ranges: []numRange{{name: "saturation", min: 0, max: 3, def: 1}},
		}},
		blurCategory{base{
			spec:   FilterSpec{Category: "blur", Track: TrackVideo, Rank: 70},
			ranges: []numRange{{name: "sigma", min: 0, max: 50, def: 0}},
		}},
		sharpenCategory{base{
			spec:   FilterSpec{Category: "sharpen", Track: TrackVideo, Rank: 80},
			ranges: []numRange{{name: "amount", min: -2, max: 5, def: 0}},
		}},
		videoSpeedCategory{base{
			spec:   FilterSpec{Category: "video_speed", Track: TrackVideo, Rank: 90},
			ranges: []numRange{{name: "speed", min: 0.25, max: 4, def: 1}},
		}},
		textCategory{base{
			spec: FilterSpec{Category: "text", Track: TrackVideo, Rank: 100},
			ranges: []numRange{
				{name: "size", min: 8, max: 200, def: 48},
				{name: "opacity", min: 0, max: 1, def: 1},
			},
			extra: []string{"text", "color", "position"},
		}},
	}
}

// cropCategory crops either to an aspect ratio (centered, largest fit) or to an explicit box.
type cropCategory struct{ base }

func (c cropCategory) Validate(p Params) error {
	if len(p) == 0 {
		return nil
	}
	if err := c.validateRanges(p); err != nil {
		return err
	}
	_, hasX := p["x"]
	_, hasY := p["y"]
	if aspect, ok := p["aspect"]; ok {
		s, isString := aspect.(string)
		if !isString || !aspectPattern.MatchString(s) {
			return c.paramErr("aspect", aspect, `must look like "4:3"`)
		}
		if _, ok := p["width"]; ok {
			return c.paramErr("width", p["width"], "cannot be combined with aspect")
		}
		if _, ok := p["height"]; ok {
			return c.paramErr("height", p["height"], "cannot be combined with aspect")
		}
		if hasX || hasY {
			return c.paramErr("x", p["x"], "cannot be combined with aspect")
		}
		return nil
	}
	if _, ok := p["width"]; !ok {
		return c.paramErr("width", nil, "is required without aspect")
	}
	if _, ok := p["height"]; !ok {
		return c.paramErr("height", nil, "is required without aspect")
	}
	if hasX != hasY {
		return c.paramErr("x", p["x"], "x and y must be given together")
	}
	return nil
}

func (c cropCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	if aspect := getString(p, "aspect", ""); aspect != "" {
		m := aspectPattern.FindStringSubmatch(aspect)
		w, h := m[1], m[2]
		return fmt.Sprintf("crop=w='min(iw,ih*%s/%s)':h='min(ih,iw*%s/%s)'", w, h, h, w)
	}
	out := fmt.Sprintf("crop=%s:%s", num(c.float(p, "width")), num(c.float(p, "height")))
	if _, ok := p["x"]; ok {
		out += fmt.Sprintf(":%s:%s", num(c.float(p, "x")), num(c.float(p, "y")))
	}
	return out
}

type scaleCategory struct{ base }

func (c scaleCategory) Validate(p Params) error {
	if len(p) == 0 {
		return nil
	}
	if err := c.validateRanges(p); err != nil {
		return err
	}
	w, h := c.float(p, "width"), c.float(p, "height")
	for _, dim := range []struct {
		name string
		v    float64
	}{{"width", w}, {"height", h}} {
		if dim.v != -1 && dim.v != -2 && dim.v < 16 {
			return c.paramErr(dim.name, p[dim.name], "must be -1, -2 or at least 16")
		}
		if dim.v != float64(int(dim.v)) {
			return c.paramErr(dim.name, p[dim.name], "must be a whole number")
		}
	}
	if w < 0 && h < 0 {
		return c.paramErr("width", p["width"], "width and height cannot both keep aspect")
	}
	return nil
}

func (c scaleCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return fmt.Sprintf("scale=%s:%s", num(c.float(p, "width")), num(c.float(p, "height")))
}

type transformCategory struct{ base }

func (c transformCategory) Validate(p Params) error {
	if len(p) == 0 {
		return nil
	}
	if err := c.validateRanges(p); err != nil {
		return err
	}
	f, ok := p["filter"].(string)
	if !ok || !transforms[f] {
		return c.paramErr("filter", p["filter"], "must be one of hflip, vflip, hflip,vflip, transpose=0..3")
	}
	return nil
}

func (c transformCategory) Render(p Params) string {
	return getString(p, "filter", "")
}

// eqCategory covers brightness, contrast and saturation. Each is its own eq instance
// so the three can be selected and ranked independently.
type eqCategory struct{ base }

func (c eqCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c eqCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	name := c.spec.Category
	return fmt.Sprintf("eq=%s=%s", name, num(c.float(p, name)))
}

type blurCategory struct{ base }

func (c blurCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c blurCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return "gblur=sigma=" + num(c.float(p, "sigma"))
}

type sharpenCategory struct{ base }

func (c sharpenCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c sharpenCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return fmt.Sprintf("unsharp=5:5:%s:5:5:0", num(c.float(p, "amount")))
}

type videoSpeedCategory struct{ base }

func (c videoSpeedCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c videoSpeedCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return "setpts=PTS/" + num(c.float(p, "speed"))
}

// textCategory overlays a caption with drawtext.
type textCategory struct{ base }

func (c textCategory) Validate(p Params) error {
	if len(p) == 0 {
		return nil
	}
	if err := c.validateRanges(p); err != nil {
		return err
	}
	text, ok := p["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return c.paramErr("text", p["text"], "must be a non-empty string")
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return c.paramErr("text", nil, "must be at most "+strconv.Itoa(maxTextLength)+" characters")
	}
	if v, ok := p["color"]; ok {
		s, isString := v.(string)
		if !isString || !colorPattern.MatchString(s) {
			return c.paramErr("color", v, "must be a color name or #RRGGBB")
		}
	}
	if v, ok := p["position"]; ok {
		s, isString := v.(string)
		if _, known := textPositions[s]; !isString || !known {
			return c.paramErr("position", v, "unknown position")
		}
	}
	return nil
}

func (c textCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	xy := textPositions[getString(p, "position", "bottom")]
	return fmt.Sprintf("drawtext=text='%s':fontsize=%d:fontcolor=%s:alpha=%.2f:x=%s:y=%s",
		escapeDrawtext(getString(p, "text", "")),
		int(c.float(p, "size")),
		getString(p, "color", "white"),
		c.float(p, "opacity"),
		xy[0], xy[1],
	)
}

// escapeDrawtext escapes characters that drawtext or the filtergraph parser treat specially.
func escapeDrawtext(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "'", "'\\''")
	text = strings.ReplaceAll(text, ":", "\\:")
	text = strings.ReplaceAll(text, "%", "\\%")
	return text
}
