package media

import "sort"

// OutputKind names the container to render into. It doubles as the file extension.
type OutputKind string

const (
	KindMP3  OutputKind = "mp3"
	KindWAV  OutputKind = "wav"
	KindFLAC OutputKind = "flac"
	KindM4A  OutputKind = "m4a"
	KindOGG  OutputKind = "ogg"
	KindMP4  OutputKind = "mp4"
	KindWebM OutputKind = "webm"
	KindMKV  OutputKind = "mkv"
	KindMOV  OutputKind = "mov"
)

// FormatInfo describes a supported output format
type FormatInfo struct {
	Kind      OutputKind `json:"kind"`
	Name      string     `json:"name"`
	MimeType  string     `json:"mimeType"`
	Type      string     `json:"type"` // video, audio
	FastStart bool       `json:"-"`
}

// HasVideo reports whether the container carries a video stream.
func (f FormatInfo) HasVideo() bool { return f.Type == "video" }

var formats = map[OutputKind]FormatInfo{
	KindMP3:  {Kind: KindMP3, Name: "MP3", MimeType: "audio/mpeg", Type: "audio"},
	KindWAV:  {Kind: KindWAV, Name: "WAV", MimeType: "audio/wav", Type: "audio"},
	KindFLAC: {Kind: KindFLAC, Name: "FLAC", MimeType: "audio/flac", Type: "audio"},
	KindM4A:  {Kind: KindM4A, Name: "M4A", MimeType: "audio/mp4", Type: "audio", FastStart: true},
	KindOGG:  {Kind: KindOGG, Name: "OGG", MimeType: "audio/ogg", Type: "audio"},
	KindMP4:  {Kind: KindMP4, Name: "MP4", MimeType: "video/mp4", Type: "video", FastStart: true},
	KindWebM: {Kind: KindWebM, Name: "WebM", MimeType: "video/webm", Type: "video"},
	KindMKV:  {Kind: KindMKV, Name: "MKV", MimeType: "video/x-matroska", Type: "video"},
	KindMOV:  {Kind: KindMOV, Name: "MOV", MimeType: "video/quicktime", Type: "video", FastStart: true},
}

// LookupFormat returns the format for kind.
func LookupFormat(kind OutputKind) (FormatInfo, bool) {
	f, ok := formats[kind]
	return f, ok
}

// SupportedFormats returns supported output formats grouped by type
func SupportedFormats() map[string][]FormatInfo {
	out := map[string][]FormatInfo{}
	for _, f := range formats {
		out[f.Type] = append(out[f.Type], f)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Kind < list[j].Kind })
	}
	return out
}
