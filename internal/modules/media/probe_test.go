package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080,
     "avg_frame_rate": "30000/1001", "r_frame_rate": "30/1", "bit_rate": "4000000"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "channels": 2, "sample_rate": "48000"}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "10.010000", "size": "5242880", "bit_rate": "4190000"}
}`

const coverArtJSON = `{
  "streams": [
    {"index": 0, "codec_name": "mp3", "codec_type": "audio", "channels": 2, "sample_rate": "44100"},
    {"index": 1, "codec_name": "mjpeg", "codec_type": "video", "width": 500, "height": 500,
     "disposition": {"attached_pic": 1}}
  ],
  "format": {"format_name": "mp3", "duration": "183.5"}
}`

func TestParseProbe(t *testing.T) {
	t.Run("video with audio", func(t *testing.T) {
		info, err := parseProbe([]byte(probeJSON))
		require.NoError(t, err)
		assert.Equal(t, int64(10010), info.DurationMs)
		assert.Equal(t, int64(5242880), info.Size)
		assert.Equal(t, 1920, info.Width)
		assert.InDelta(t, 29.97, info.FrameRate, 0.01)
		assert.Equal(t, 48000, info.Streams[1].SampleRate)
		assert.Equal(t, InputTracks{HasAudio: true, HasVideo: true}, info.Tracks())
	})

	t.Run("cover art is not video", func(t *testing.T) {
		info, err := parseProbe([]byte(coverArtJSON))
		require.NoError(t, err)
		assert.Equal(t, int64(183500), info.DurationMs)
		assert.Equal(t, InputTracks{HasAudio: true}, info.Tracks())
		assert.Len(t, info.Streams, 2)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseProbe([]byte("not json"))
		assert.Error(t, err)
	})
}

const subtitledJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 640, "height": 360},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "tags": {"language": "eng"}},
    {"index": 2, "codec_name": "mov_text", "codec_type": "subtitle", "tags": {"language": "fre"}},
    {"index": 3, "codec_name": "subrip", "codec_type": "subtitle", "tags": {"language": "eng"}}
  ],
  "format": {"format_name": "matroska,webm", "duration": "4.0"}
}`

func TestParseSubtitleStreams(t *testing.T) {
	info, err := parseProbe([]byte(subtitledJSON))
	require.NoError(t, err)

	subs := info.Subtitles()
	require.Len(t, subs, 2)
	assert.Equal(t, "fre", subs[0].Language)
	assert.Equal(t, 3, subs[1].Index)
	assert.Equal(t, "eng", info.Streams[1].Language)
}

func TestParseFrameRate(t *testing.T) {
	assert.Equal(t, 30.0, parseFrameRate("30/1"))
	assert.Equal(t, 0.0, parseFrameRate("0/0"))
	assert.Equal(t, 0.0, parseFrameRate(""))
}
