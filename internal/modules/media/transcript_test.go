package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:02,500
<i>Hello</i> there

2
00:00:02,500 --> 00:00:02,520
General

3
00:00:02,520 --> 00:00:04,000
>> General Kenobi
{\an8}You are a bold one

`

const sampleVTT = `WEBVTT
Kind: captions

NOTE generated by a captioning service

00:01.000 --> 00:02.000 align:start position:0%
we<00:00:01.500><c> meet</c>

00:02.000 --> 00:03.000
we meet
again
`

func TestParseCues(t *testing.T) {
	t.Run("srt", func(t *testing.T) {
		cues := ParseCues([]byte(sampleSRT))
		require.Len(t, cues, 2)
		assert.Equal(t, Cue{StartMs: 1000, EndMs: 2500, Text: "Hello there"}, cues[0])
		assert.Equal(t, int64(2520), cues[1].StartMs)
		assert.Equal(t, "General Kenobi\nYou are a bold one", cues[1].Text)
	})

	t.Run("vtt", func(t *testing.T) {
		cues := ParseCues([]byte(sampleVTT))
		require.Len(t, cues, 2)
		assert.Equal(t, Cue{StartMs: 1000, EndMs: 2000, Text: "we meet"}, cues[0])

		tr := &Transcript{Cues: cues}
		assert.Equal(t, "we meet\nagain", tr.Text())
	})

	t.Run("long hour field", func(t *testing.T) {
		cues := ParseCues([]byte("1\n10:00:00,000 --> 10:00:01,250\nlate\n"))
		require.Len(t, cues, 1)
		assert.Equal(t, int64(36001250), cues[0].EndMs)
	})

	t.Run("nothing timed", func(t *testing.T) {
		assert.Empty(t, ParseCues([]byte("WEBVTT\n\nNOTE only a note\n")))
	})
}

func TestTranscriptSRT(t *testing.T) {
	tr := &Transcript{Cues: []Cue{
		{StartMs: 0, EndMs: 1500, Text: "one"},
		{StartMs: 3723004, EndMs: 3724000, Text: "two\nlines"},
	}}
	want := "1\n00:00:00,000 --> 00:00:01,500\none\n\n" +
		"2\n01:02:03,004 --> 01:02:04,000\ntwo\nlines\n\n"
	assert.Equal(t, want, tr.SRT())
	assert.Equal(t, tr.Cues, ParseCues([]byte(tr.SRT())))
}

func TestPickSubtitle(t *testing.T) {
	subs := []StreamInfo{
		{Index: 2, Type: "subtitle", Language: "fre"},
		{Index: 3, Type: "subtitle", Language: "eng"},
	}

	nth, s, ok := pickSubtitle(subs, "en")
	require.True(t, ok)
	assert.Equal(t, 1, nth)
	assert.Equal(t, 3, s.Index)

	nth, s, ok = pickSubtitle(subs, "de")
	require.True(t, ok)
	assert.Equal(t, 0, nth)
	assert.Equal(t, 2, s.Index)

	_, _, ok = pickSubtitle(nil, "en")
	assert.False(t, ok)
}

// fakeFFmpeg writes a script that prints body to stdout whatever its arguments.
func fakeFFmpeg(t *testing.T, body string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "out.srt")
	require.NoError(t, os.WriteFile(out, []byte(body), 0o644))
	script := filepath.Join(dir, "ffmpeg")
	content := "#!/bin/sh\ncat '" + out + "'\nexit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestTranscriberExtract(t *testing.T) {
	subtitled := MediaInfo{Streams: []StreamInfo{
		{Index: 0, Type: "video"},
		{Index: 1, Type: "subtitle", Language: "eng"},
	}}
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		tr := NewTranscriber(fakeFFmpeg(t, sampleSRT, 0), fakeProber{info: subtitled}, zap.NewNop())
		got, err := tr.Extract(ctx, "/data/in.mkv", "en")
		require.NoError(t, err)
		assert.Equal(t, "eng", got.Language)
		assert.Equal(t, 1, got.StreamIndex)
		assert.Len(t, got.Cues, 2)
	})

	t.Run("no subtitle streams", func(t *testing.T) {
		tr := NewTranscriber(fakeFFmpeg(t, sampleSRT, 0), fakeProber{info: MediaInfo{Streams: []StreamInfo{{Type: "audio"}}}}, zap.NewNop())
		_, err := tr.Extract(ctx, "/data/in.mp3", "en")
		assert.True(t, errors.Is(err, ErrNoSubtitles))
	})

	t.Run("empty stream", func(t *testing.T) {
		tr := NewTranscriber(fakeFFmpeg(t, "", 0), fakeProber{info: subtitled}, zap.NewNop())
		_, err := tr.Extract(ctx, "/data/in.mkv", "en")
		assert.True(t, errors.Is(err, ErrNoSubtitles))
	})

	t.Run("ffmpeg fails", func(t *testing.T) {
		tr := NewTranscriber(fakeFFmpeg(t, "", 1), fakeProber{info: subtitled}, zap.NewNop())
		_, err := tr.Extract(ctx, "/data/in.mkv", "en")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNoSubtitles))
	})
}
