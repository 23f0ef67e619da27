package source

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Probe runs ffprobe on path and extracts the fields a render session
// needs. Duration resolution order: video stream, container format, then
// frame count divided by frame rate.
func Probe(path string) (*Info, error) {
	probe, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "probe %s: %v", path, err)
	}
	info, err := parseProbe([]byte(probe))
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "probe %s: %v", path, err)
	}
	return info, nil
}

func parseProbe(raw []byte) (*Info, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.WithStack(err)
	}

	streams, ok := data["streams"].([]interface{})
	if !ok || len(streams) == 0 {
		return nil, errors.New("no streams found")
	}

	var videoStream map[string]interface{}
	for _, stream := range streams {
		s, ok := stream.(map[string]interface{})
		if !ok {
			continue
		}
		if codecType, _ := s["codec_type"].(string); codecType == "video" {
			videoStream = s
			break
		}
	}
	if videoStream == nil {
		return nil, errors.New("no video stream found")
	}

	info := &Info{}
	if w, ok := videoStream["width"].(float64); ok {
		info.Width = int(w)
	}
	if h, ok := videoStream["height"].(float64); ok {
		info.Height = int(h)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.New("video stream has no dimensions")
	}
	info.Codec, _ = videoStream["codec_name"].(string)

	if rate, ok := videoStream["r_frame_rate"].(string); ok {
		info.FPS = parseFrameRate(rate)
	}
	if info.FPS == 0 {
		if rate, ok := videoStream["avg_frame_rate"].(string); ok {
			info.FPS = parseFrameRate(rate)
		}
	}

	if durationStr, ok := videoStream["duration"].(string); ok {
		if d, err := strconv.ParseFloat(strings.TrimSpace(durationStr), 64); err == nil {
			info.Duration = d
		}
	}
	if info.Duration == 0 {
		if format, ok := data["format"].(map[string]interface{}); ok {
			if durationStr, ok := format["duration"].(string); ok {
				if d, err := strconv.ParseFloat(strings.TrimSpace(durationStr), 64); err == nil {
					info.Duration = d
				}
			}
		}
	}
	if info.Duration == 0 && info.FPS > 0 {
		if nbFrames, ok := videoStream["nb_frames"].(string); ok {
			if frames, err := strconv.ParseFloat(nbFrames, 64); err == nil {
				info.Duration = frames / info.FPS
			}
		}
	}

	return info, nil
}

// parseFrameRate handles ffprobe's "num/den" rational form.
func parseFrameRate(rate string) float64 {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(rate, 64); err == nil {
			return f
		}
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
