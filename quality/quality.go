// Package quality derives the renditions and playback URLs offered for a
// video from its source asset URL.
package quality

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devrayat000/vidpipe/assets"
)

const (
	Auto = "AUTO"
	Max  = "MAX"
)

// Ladder lists the manual renditions, highest first.
var Ladder = []int{2160, 1440, 1080, 720, 480, 360, 240, 144}

// FallbackLadder is offered when neither stored labels nor a source height exist.
var FallbackLadder = []int{1080, 720, 480}

const (
	autoTransformation = "q_auto,vc_h264,f_mp4"
	rungTransformation = "c_limit,h_%d,q_auto,vc_h264,f_mp4"
)

func label(height int) string {
	return strconv.Itoa(height) + "p"
}

func onLadder(height int) bool {
	for _, h := range Ladder {
		if h == height {
			return true
		}
	}
	return false
}

// Canonicalize maps user and stored labels onto AUTO, MAX or a ladder rung
// such as "720p". ok is false for anything else.
func Canonicalize(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "":
		return "", false
	case "auto":
		return Auto, true
	case "max":
		return Max, true
	}
	n, err := strconv.Atoi(strings.TrimSuffix(s, "p"))
	if err != nil || !onLadder(n) {
		return "", false
	}
	return label(n), true
}

// Height returns the pixel height of a manual rung label.
func Height(q string) (int, bool) {
	c, ok := Canonicalize(q)
	if !ok || c == Auto || c == Max {
		return 0, false
	}
	n, _ := strconv.Atoi(strings.TrimSuffix(c, "p"))
	return n, true
}

// NormalizeAvailableQualities returns AUTO, MAX and then the manual rungs in
// descending order. sourceHeight <= 0 means unknown.
func NormalizeAvailableQualities(raw []string, sourceHeight int) []string {
	present := make(map[int]bool)
	for _, r := range raw {
		if h, ok := Height(r); ok {
			present[h] = true
		}
	}

	out := []string{Auto, Max}
	if len(present) > 0 {
		for _, h := range Ladder {
			if present[h] {
				out = append(out, label(h))
			}
		}
		return out
	}

	if sourceHeight > 0 {
		for _, h := range Ladder {
			if h <= sourceHeight {
				out = append(out, label(h))
			}
		}
		if len(out) == 2 {
			out = append(out, label(Ladder[len(Ladder)-1]))
		}
		return out
	}

	for _, h := range FallbackLadder {
		out = append(out, label(h))
	}
	return out
}

// ResolveRequestedQuality picks the rendition to serve. It never fails:
// unknown requests fall back to AUTO, or the first available entry.
func ResolveRequestedQuality(requested string, available []string) string {
	if c, ok := Canonicalize(requested); ok {
		for _, a := range available {
			if ac, _ := Canonicalize(a); ac == c {
				return c
			}
		}
	}
	for _, a := range available {
		if ac, _ := Canonicalize(a); ac == Auto {
			return Auto
		}
	}
	if len(available) > 0 {
		if c, ok := Canonicalize(available[0]); ok {
			return c
		}
		return available[0]
	}
	return Auto
}

// BuildQualityURL returns the playback URL of sourceURL at quality q.
func BuildQualityURL(sourceURL, q string) string {
	c, ok := Canonicalize(q)
	if !ok {
		return sourceURL
	}
	switch c {
	case Max:
		return sourceURL
	case Auto:
		return assets.InsertTransformation(sourceURL, autoTransformation)
	}
	h, _ := Height(c)
	return assets.InsertTransformation(sourceURL, fmt.Sprintf(rungTransformation, h))
}

func BuildQualityURLs(sourceURL string, available []string) map[string]string {
	urls := make(map[string]string, len(available))
	for _, q := range available {
		if c, ok := Canonicalize(q); ok {
			urls[c] = BuildQualityURL(sourceURL, c)
		}
	}
	return urls
}

type StreamingInput struct {
	SourceURL         string
	RawQualities      []string
	SourceHeight      int
	Requested         string
	MasterPlaylistURL string
}

type StreamingPayload struct {
	DefaultQuality      string            `json:"defaultQuality"`
	SelectedQuality     string            `json:"selectedQuality"`
	SelectedPlaybackURL string            `json:"selectedPlaybackUrl"`
	MasterPlaylistURL   string            `json:"masterPlaylistUrl"`
	AvailableQualities  []string          `json:"availableQualities"`
	QualityURLs         map[string]string `json:"qualityUrls"`
}

func BuildVideoStreamingPayload(in StreamingInput) StreamingPayload {
	available := NormalizeAvailableQualities(in.RawQualities, in.SourceHeight)
	selected := ResolveRequestedQuality(in.Requested, available)
	urls := BuildQualityURLs(in.SourceURL, available)

	master := in.MasterPlaylistURL
	if master == "" {
		master = urls[Auto]
	}
	return StreamingPayload{
		DefaultQuality:      Auto,
		SelectedQuality:     selected,
		SelectedPlaybackURL: urls[selected],
		MasterPlaylistURL:   master,
		AvailableQualities:  available,
		QualityURLs:         urls,
	}
}
