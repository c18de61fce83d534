package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// MediaInfo contains metadata about a media file
type MediaInfo struct {
	Format     string       `json:"format"`
	DurationMs int64        `json:"duration_ms"`
	Size       int64        `json:"size"`
	BitRate    int          `json:"bitRate"`
	VideoCodec string       `json:"videoCodec,omitempty"`
	AudioCodec string       `json:"audioCodec,omitempty"`
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	FrameRate  float64      `json:"frameRate,omitempty"`
	Streams    []StreamInfo `json:"streams"`
}

// StreamInfo contains information about a media stream
type StreamInfo struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Codec      string `json:"codec"`
	BitRate    int    `json:"bitRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Tracks reports which stream types are present. Cover art does not count as video.
func (m *MediaInfo) Tracks() InputTracks {
	return InputTracks{HasAudio: m.AudioCodec != "", HasVideo: m.VideoCodec != ""}
}

// Subtitles returns the subtitle streams in file order.
func (m *MediaInfo) Subtitles() []StreamInfo {
	var out []StreamInfo
	for _, s := range m.Streams {
		if s.Type == "subtitle" {
			out = append(out, s)
		}
	}
	return out
}

// Prober runs ffprobe
type Prober struct {
	ffprobePath string
	logger      *zap.Logger
}

// NewProber creates a prober; an empty path means "ffprobe" on PATH.
func NewProber(ffprobePath string, logger *zap.Logger) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath, logger: logger}
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		Index        int    `json:"index"`
		CodecName    string `json:"codec_name"`
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		BitRate      string `json:"bit_rate"`
		Channels     int    `json:"channels"`
		SampleRate   string `json:"sample_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Disposition  struct {
			AttachedPic int `json:"attached_pic"`
		} `json:"disposition"`
		Tags struct {
			Language string `json:"language"`
		} `json:"tags"`
	} `json:"streams"`
}

// Probe extracts metadata from a local media file
func (p *Prober) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		p.logger.Error("ffprobe failed", zap.Error(err), zap.String("path", path))
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, err := parseProbe(output)
	if err != nil {
		p.logger.Error("Failed to parse ffprobe output", zap.Error(err))
		return nil, err
	}
	return info, nil
}

func parseProbe(output []byte) (*MediaInfo, error) {
	var probeData ffprobeOutput
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &MediaInfo{
		Format:  probeData.Format.FormatName,
		Streams: make([]StreamInfo, 0, len(probeData.Streams)),
	}

	if probeData.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			info.DurationMs = int64(d * 1000)
		}
	}
	if probeData.Format.Size != "" {
		if s, err := strconv.ParseInt(probeData.Format.Size, 10, 64); err == nil {
			info.Size = s
		}
	}
	if probeData.Format.BitRate != "" {
		if br, err := strconv.Atoi(probeData.Format.BitRate); err == nil {
			info.BitRate = br
		}
	}

	for _, stream := range probeData.Streams {
		streamInfo := StreamInfo{
			Index:    stream.Index,
			Type:     stream.CodecType,
			Codec:    stream.CodecName,
			Language: stream.Tags.Language,
		}

		if stream.BitRate != "" {
			if br, err := strconv.Atoi(stream.BitRate); err == nil {
				streamInfo.BitRate = br
			}
		}

		switch stream.CodecType {
		case "video":
			if stream.Disposition.AttachedPic == 1 {
				break
			}
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FrameRate = parseFrameRate(stream.AvgFrameRate)
			if info.FrameRate == 0 {
				info.FrameRate = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			info.AudioCodec = stream.CodecName
			streamInfo.Channels = stream.Channels
			if stream.SampleRate != "" {
				if sr, err := strconv.Atoi(stream.SampleRate); err == nil {
					streamInfo.SampleRate = sr
				}
			}
		}

		info.Streams = append(info.Streams, streamInfo)
	}

	return info, nil
}

// parseFrameRate parses "30000/1001" or "30/1".
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseFloat(num, 64)
	d, _ := strconv.ParseFloat(den, 64)
	if d <= 0 {
		return 0
	}
	return n / d
}
