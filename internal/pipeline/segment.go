package pipeline

import (
	"regexp"
	"strings"

	"github.com/waifuos/waifud/internal/protocol"
)

// splitRunes are the sentence terminators that close a speech unit.
var splitRunes = map[rune]bool{
	'。': true,
	'？': true,
	'！': true,
	'?': true,
	'!': true,
}

var (
	langMarker   = regexp.MustCompile(`\[lang:([a-zA-Z]{2,3}(?:-[a-zA-Z]{2,4})?)\]`)
	faceMarker   = regexp.MustCompile(`\[face:([^\]]+)\]`)
	visionMarker = regexp.MustCompile(`\[vision:([A-Za-z0-9_-]+)\]`)
	anyMarker    = regexp.MustCompile(`\[[^\]]*\]`)
)

const defaultFaceDuration = 4.0

// segmenter accumulates generation output and cuts it into speech
// units at sentence terminators. Feeding the same text always yields
// the same boundaries regardless of fragment sizes.
type segmenter struct {
	buf strings.Builder
}

// Feed appends a fragment and returns any speech units it completed.
func (s *segmenter) Feed(fragment string) []string {
	var units []string
	for _, r := range fragment {
		s.buf.WriteRune(r)
		if splitRunes[r] {
			unit := strings.TrimSpace(s.buf.String())
			s.buf.Reset()
			if unit != "" {
				units = append(units, unit)
			}
		}
	}
	return units
}

// Flush returns the trailing remainder that never hit a terminator.
func (s *segmenter) Flush() (string, bool) {
	unit := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return unit, unit != ""
}

// speechUnit is one segmented sentence with its markers resolved.
type speechUnit struct {
	Text     string
	Voice    string
	Language string
	Avatar   *protocol.AvatarControl
}

// parseUnit extracts inline markers from a raw unit. The raw text is
// kept verbatim on the unit; the voice text has every bracket tag
// stripped so markers are never spoken.
func parseUnit(raw string) speechUnit {
	u := speechUnit{Text: raw}
	if m := langMarker.FindStringSubmatch(raw); m != nil {
		u.Language = m[1]
	}
	if m := faceMarker.FindStringSubmatch(raw); m != nil {
		u.Avatar = &protocol.AvatarControl{
			FaceName:     m[1],
			FaceDuration: defaultFaceDuration,
		}
	}
	u.Voice = strings.TrimSpace(anyMarker.ReplaceAllString(raw, ""))
	return u
}

// extractVision pulls the first vision reference out of the full
// response text, returning the text with the marker removed.
func extractVision(text string) (cleaned, visionID string) {
	m := visionMarker.FindStringSubmatch(text)
	if m == nil {
		return text, ""
	}
	cleaned = strings.TrimSpace(visionMarker.ReplaceAllString(text, ""))
	return cleaned, m[1]
}
