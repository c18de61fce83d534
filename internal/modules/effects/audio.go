package effects

import (
	"fmt"
	"math"
	"strings"
)

const (
	pitchSampleRate = 44100
	maxEchoTaps     = 8
)

func audioCategories() []Category {
	return []Category{
		volumeCategory{base{
			spec:   FilterSpec{Category: "volume", Track: TrackAudio, Rank: 10},
			ranges: []numRange{{name: "volume", min: 0, max: 4, def: 1}},
		}},
		frequencyCategory{base{
			spec: FilterSpec{Category: "frequency", Track: TrackAudio, Rank: 20},
			ranges: []numRange{
				{name: "highpass", min: 20, max: 500, def: 20},
				{name: "lowpass", min: 2000, max: 20000, def: 20000},
			},
		}},
		tunnelCategory{base{
			spec:  FilterSpec{Category: "tunnel", Track: TrackAudio, Rank: 30},
			extra: []string{"delays", "decays"},
		}},
		speedCategory{base{
			spec:   FilterSpec{Category: "speed", Track: TrackAudio, Rank: 40},
			ranges: []numRange{{name: "speed", min: 0.25, max: 4, def: 1}},
		}},
		pitchCategory{base{
			spec:   FilterSpec{Category: "pitch", Track: TrackAudio, Rank: 50},
			ranges: []numRange{{name: "semitones", min: -12, max: 12, def: 0}},
		}},
		noiseReductionCategory{base{
			spec: FilterSpec{Category: "noise_reduction", Track: TrackAudio, Rank: 60},
			ranges: []numRange{
				{name: "noise_floor", min: -80, max: -20, def: -25},
				{name: "noise_reduction", min: 0.01, max: 0.97, def: 0.5},
			},
		}},
		compressorCategory{base{
			spec: FilterSpec{Category: "compressor", Track: TrackAudio, Rank: 70},
			ranges: []numRange{
				{name: "threshold", min: -60, max: 0, def: -20},
				{name: "ratio", min: 1, max: 20, def: 2},
				{name: "attack", min: 0.01, max: 2000, def: 20},
				{name: "release", min: 0.01, max: 9000, def: 250},
				{name: "makeup", min: 0, max: 36, def: 0},
			},
		}},
	}
}

type volumeCategory struct{ base }

func (c volumeCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c volumeCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return "volume=" + num(c.float(p, "volume"))
}

type frequencyCategory struct{ base }

func (c frequencyCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c frequencyCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return fmt.Sprintf("highpass=f=%s,lowpass=f=%s", num(c.float(p, "highpass")), num(c.float(p, "lowpass")))
}

// tunnelCategory is a multi-tap echo. Delays are milliseconds, decays are gains in (0, 1].
type tunnelCategory struct{ base }

func (c tunnelCategory) Validate(p Params) error {
	if len(p) == 0 {
		return nil
	}
	if err := c.validateRanges(p); err != nil {
		return err
	}
	delays, ok := toFloatList(p["delays"])
	if !ok {
		return c.paramErr("delays", p["delays"], "must be a list of numbers")
	}
	decays, ok := toFloatList(p["decays"])
	if !ok {
		return c.paramErr("decays", p["decays"], "must be a list of numbers")
	}
	if len(delays) == 0 || len(delays) > maxEchoTaps {
		return c.paramErr("delays", p["delays"], fmt.Sprintf("must have between 1 and %d entries", maxEchoTaps))
	}
	if len(delays) != len(decays) {
		return c.paramErr("decays", p["decays"], "must have as many entries as delays")
	}
	for _, d := range delays {
		if d < 1 || d > 1000 {
			return c.paramErr("delays", p["delays"], "each delay must be between 1 and 1000 ms")
		}
	}
	for _, d := range decays {
		if d <= 0 || d > 1 {
			return c.paramErr("decays", p["decays"], "each decay must be greater than 0 and at most 1")
		}
	}
	return nil
}

func (c tunnelCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	delays, _ := toFloatList(p["delays"])
	decays, _ := toFloatList(p["decays"])
	return fmt.Sprintf("aecho=0.8:0.85:%s:%s", joinNums(delays), joinNums(decays))
}

// speedCategory chains atempo stages since a single stage only accepts 0.5 to 2.0.
type speedCategory struct{ base }

func (c speedCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c speedCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	remaining := c.float(p, "speed")
	var stages []string
	for remaining > 2.0 {
		stages = append(stages, "atempo=2")
		remaining /= 2.0
	}
	for remaining < 0.5 {
		stages = append(stages, "atempo=0.5")
		remaining /= 0.5
	}
	if remaining != 1.0 || len(stages) == 0 {
		stages = append(stages, "atempo="+num(remaining))
	}
	return strings.Join(stages, ",")
}

// pitchCategory shifts pitch by resampling and compensates tempo so duration is kept.
type pitchCategory struct{ base }

func (c pitchCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c pitchCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	ratio := math.Pow(2, c.float(p, "semitones")/12)
	return fmt.Sprintf("asetrate=%d,atempo=%.6f,aresample=%d",
		int(pitchSampleRate*ratio), 1/ratio, pitchSampleRate)
}

type noiseReductionCategory struct{ base }

func (c noiseReductionCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c noiseReductionCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	nr := math.Round(c.float(p, "noise_reduction")*100*1000) / 1000
	return fmt.Sprintf("afftdn=nf=%s:nr=%s", num(c.float(p, "noise_floor")), num(nr))
}

type compressorCategory struct{ base }

func (c compressorCategory) Validate(p Params) error { return c.validateRanges(p) }

func (c compressorCategory) Render(p Params) string {
	if len(p) == 0 {
		return ""
	}
	return fmt.Sprintf("acompressor=threshold=%sdB:ratio=%s:attack=%s:release=%s:makeup=%sdB",
		num(c.float(p, "threshold")),
		num(c.float(p, "ratio")),
		num(c.float(p, "attack")),
		num(c.float(p, "release")),
		num(c.float(p, "makeup")),
	)
}
