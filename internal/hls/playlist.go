package hls

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
	"strings"
)

const (
	versionTag        = "#EXT-X-VERSION:"
	streamInfoTag     = "#EXT-X-STREAM-INF:"
	targetDurationTag = "#EXT-X-TARGETDURATION:"
	extInfTag         = "#EXTINF:"
)

// ErrInvalidPlaylist is returned when a playlist is missing required tags.
var ErrInvalidPlaylist = errors.New("invalid playlist")

// MasterPlaylist is the parsed form of an uploaded master playlist.
type MasterPlaylist struct {
	HlsVersion int
	StreamInfo string
}

// SegmentReference is one segment entry in a media playlist.
type SegmentReference struct {
	FileName string
	Duration float64
}

// MediaPlaylist is the parsed form of an uploaded media playlist.
type MediaPlaylist struct {
	HlsVersion        int
	TargetDuration    int
	SegmentReferences []SegmentReference
}

// ParseMasterPlaylist extracts the HLS version and stream-info attributes
// from a master playlist. When multiple #EXT-X-STREAM-INF lines are present
// the last one wins. Missing version or stream-info is an error.
func ParseMasterPlaylist(payload []byte) (*MasterPlaylist, error) {
	version := -1
	streamInfo := ""

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if v, ok := cutInt(line, versionTag); ok {
			version = v
			continue
		}

		if rest, ok := strings.CutPrefix(line, streamInfoTag); ok {
			streamInfo = rest
		}
	}

	if version < 0 || streamInfo == "" {
		return nil, ErrInvalidPlaylist
	}

	return &MasterPlaylist{HlsVersion: version, StreamInfo: streamInfo}, nil
}

// ParseMediaPlaylist extracts the version, target duration, and ordered
// segment references from a media playlist. A segment reference is an
// #EXTINF line immediately followed by a non-comment filename line; a
// malformed #EXTINF, or one without a filename, is skipped without failing
// the rest of the parse.
func ParseMediaPlaylist(payload []byte) (*MediaPlaylist, error) {
	version := -1
	targetDuration := -1
	var refs []SegmentReference

	pendingDuration := 0.0
	havePending := false

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if v, ok := cutInt(line, versionTag); ok {
			version = v
			continue
		}

		if v, ok := cutInt(line, targetDurationTag); ok {
			targetDuration = v
			continue
		}

		if havePending && line != "" && !strings.HasPrefix(line, "#") {
			refs = append(refs, SegmentReference{FileName: line, Duration: pendingDuration})
		}

		pendingDuration, havePending = parseExtInf(line)
	}

	if version < 0 || targetDuration < 0 {
		return nil, ErrInvalidPlaylist
	}

	return &MediaPlaylist{
		HlsVersion:        version,
		TargetDuration:    targetDuration,
		SegmentReferences: refs,
	}, nil
}

func cutInt(line, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return 0, false
	}

	v, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}

	return v, true
}

// parseExtInf parses "#EXTINF:<duration>," lines. strconv is
// locale-invariant by construction, so durations always use a decimal point.
func parseExtInf(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(line, extInfTag)
	if !ok || !strings.HasSuffix(rest, ",") {
		return 0, false
	}

	d, err := strconv.ParseFloat(strings.TrimSuffix(rest, ","), 64)
	if err != nil {
		return 0, false
	}

	return d, true
}
