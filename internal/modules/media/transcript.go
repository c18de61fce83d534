package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoSubtitles is returned when a file carries no usable subtitle stream.
var ErrNoSubtitles = errors.New("no captions available for this file")

// shortCueMs is the longest a cue may last and still count as a rolling-caption snapshot.
const shortCueMs = 50

const extractTimeout = 60 * time.Second

var (
	cueTiming = regexp.MustCompile(`^(?:(\d{1,2}):)?(\d{2}):(\d{2})[.,](\d{3})\s+-->\s+(?:(\d{1,2}):)?(\d{2}):(\d{2})[.,](\d{3})`)
	markupTag = regexp.MustCompile(`<[^>]*>|\{\\[^}]*\}`)
	speaker   = regexp.MustCompile(`^>>\s*`)
)

// Cue is one timed caption.
type Cue struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Transcript is the text of one subtitle stream.
type Transcript struct {
	Language    string `json:"language,omitempty"`
	StreamIndex int    `json:"stream_index"`
	Cues        []Cue  `json:"cues"`
}

// Text joins the cues into plain text, collapsing repeated lines.
func (t *Transcript) Text() string {
	var lines []string
	for _, c := range t.Cues {
		for _, ln := range strings.Split(c.Text, "\n") {
			if len(lines) > 0 && lines[len(lines)-1] == ln {
				continue
			}
			lines = append(lines, ln)
		}
	}
	return strings.Join(lines, "\n")
}

// SRT renders the cues as a numbered SubRip document.
func (t *Transcript) SRT() string {
	var b strings.Builder
	for i, c := range t.Cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTime(c.StartMs), srtTime(c.EndMs), c.Text)
	}
	return b.String()
}

func srtTime(ms int64) string {
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// Transcriber pulls embedded subtitles out of media files with ffmpeg.
type Transcriber struct {
	ffmpegPath string
	prober     MediaProber
	logger     *zap.Logger
}

// NewTranscriber creates a transcriber; an empty path means "ffmpeg" on PATH.
func NewTranscriber(ffmpegPath string, prober MediaProber, logger *zap.Logger) *Transcriber {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcriber{ffmpegPath: ffmpegPath, prober: prober, logger: logger}
}

// Extract converts the subtitle stream matching lang (or the first one) to cues.
func (t *Transcriber) Extract(ctx context.Context, path, lang string) (*Transcript, error) {
	info, err := t.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	nth, stream, ok := pickSubtitle(info.Subtitles(), lang)
	if !ok {
		return nil, ErrNoSubtitles
	}

	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-v", "error",
		"-i", path,
		"-map", fmt.Sprintf("0:s:%d", nth),
		"-c:s", "srt",
		"-f", "srt", "pipe:1",
	)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		t.logger.Warn("Subtitle extraction failed",
			zap.String("path", path),
			zap.Int("stream", stream.Index),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to extract subtitles: %w", err)
	}

	cues := ParseCues(out)
	if len(cues) == 0 {
		return nil, fmt.Errorf("%w: subtitle stream is empty", ErrNoSubtitles)
	}
	return &Transcript{Language: stream.Language, StreamIndex: stream.Index, Cues: cues}, nil
}

// pickSubtitle returns the position among subtitle streams of the first one whose
// language starts with lang ("en" matches "eng"), falling back to the first stream.
func pickSubtitle(subs []StreamInfo, lang string) (int, StreamInfo, bool) {
	if len(subs) == 0 {
		return 0, StreamInfo{}, false
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang != "" {
		for i, s := range subs {
			if strings.HasPrefix(strings.ToLower(s.Language), lang) {
				return i, s, true
			}
		}
	}
	return 0, subs[0], true
}

// ParseCues reads SubRip or WebVTT text. Markup is stripped, empty cues are dropped and
// rolling-caption snapshots contained in a neighbouring cue are removed.
func ParseCues(data []byte) []Cue {
	var (
		cues    []Cue
		current *Cue
		text    []string
	)
	flush := func() {
		if current != nil {
			current.Text = strings.Join(text, "\n")
			if current.Text != "" {
				cues = append(cues, *current)
			}
		}
		current, text = nil, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if m := cueTiming.FindStringSubmatch(line); m != nil {
			flush()
			current = &Cue{StartMs: cueMillis(m[1:5]), EndMs: cueMillis(m[5:9])}
			continue
		}
		if line == "" {
			flush()
			continue
		}
		if current == nil {
			// Cue numbers, the WEBVTT header and NOTE or STYLE blocks.
			continue
		}
		if cleaned := cleanCueText(line); cleaned != "" {
			text = append(text, cleaned)
		}
	}
	flush()

	return dropSnapshots(cues)
}

// cueMillis converts hours, minutes, seconds and milliseconds. WebVTT may omit the hours.
func cueMillis(parts []string) int64 {
	var v [4]int64
	for i, p := range parts {
		v[i], _ = strconv.ParseInt(p, 10, 64)
	}
	return ((v[0]*60+v[1])*60+v[2])*1000 + v[3]
}

func cleanCueText(s string) string {
	s = markupTag.ReplaceAllString(s, "")
	s = speaker.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func dropSnapshots(cues []Cue) []Cue {
	if len(cues) < 2 {
		return cues
	}
	out := make([]Cue, 0, len(cues))
	for i, c := range cues {
		if c.EndMs-c.StartMs <= shortCueMs {
			if len(out) > 0 && strings.Contains(out[len(out)-1].Text, c.Text) {
				continue
			}
			if i+1 < len(cues) && strings.Contains(cues[i+1].Text, c.Text) {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
