package ffmpeg

import (
	"strconv"
	"strings"
)

// TranscodeStats holds the values ffmpeg reports on its periodic progress
// lines, e.g.
//
//	frame= 1234 fps= 60 q=28.0 size= 10240KiB time=00:00:41.16 bitrate=2037.8kbits/s dup=1 drop=0 speed=1.01x
type TranscodeStats struct {
	FramesPerSecond float64 `json:"fps"`
	Quality         float64 `json:"q"`
	Speed           float64 `json:"s"`
	Duplicate       int     `json:"dup"`
	Dropped         int     `json:"drop"`
}

// ParseTranscodeStats extracts stats from one diagnostic line. It reports
// false for lines that are not progress lines. dup and drop are optional.
func ParseTranscodeStats(line string) (TranscodeStats, bool) {
	fpsStart := strings.Index(line, "fps=")
	qualityStart := strings.Index(line, "q=")
	sizeStart := strings.Index(line, "size=")
	speedStart := strings.Index(line, "speed=")
	if fpsStart < 0 || qualityStart < 0 || sizeStart < 0 || speedStart < 0 {
		return TranscodeStats{}, false
	}
	if qualityStart < fpsStart || sizeStart < qualityStart {
		return TranscodeStats{}, false
	}

	fpsSlice := line[fpsStart+len("fps=") : qualityStart]
	qualitySlice := line[qualityStart+len("q=") : sizeStart]
	speedSlice := line[speedStart+len("speed="):]
	x := strings.IndexByte(speedSlice, 'x')
	if x < 0 {
		return TranscodeStats{}, false
	}
	speedSlice = speedSlice[:x]

	fps, err1 := strconv.ParseFloat(strings.TrimSpace(fpsSlice), 64)
	quality, err2 := strconv.ParseFloat(strings.TrimSpace(qualitySlice), 64)
	speed, err3 := strconv.ParseFloat(strings.TrimSpace(speedSlice), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return TranscodeStats{}, false
	}

	stats := TranscodeStats{
		FramesPerSecond: fps,
		Quality:         quality,
		Speed:           speed,
	}

	stats.Duplicate = parseOptionalCount(line, "dup=")
	stats.Dropped = parseOptionalCount(line, "drop=")

	return stats, true
}

func parseOptionalCount(line, prefix string) int {
	start := strings.Index(line, prefix)
	if start < 0 {
		return 0
	}

	rest := strings.TrimLeft(line[start+len(prefix):], " ")
	end := strings.IndexByte(rest, ' ')
	if end >= 0 {
		rest = rest[:end]
	}

	v, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return v
}
