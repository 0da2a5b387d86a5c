// Package matl turns MATL programs into interpreter statements and
// interpreter output into typed result fragments.
package matl

import (
	"encoding/base64"
	"os"
	"regexp"
	"strings"

	"github.com/suever/MATL-Online/internal/domain"
)

// Output tags written by the interpreter.
const (
	TagImage   = "[IMAGE]"
	TagImageNN = "[IMAGE_NN]"
	TagAudio   = "[AUDIO]"
	TagStderr  = "[STDERR]"
	TagStdout  = "[STDOUT]"
	TagPause   = "[PAUSE]"
	TagClear   = "[CLC]"

	warningPrefix = "warning:"
	runtimeError  = "MATL run-time error:"
)

// tagPattern matches a bracketed tag followed by the rest of its line.
var tagPattern = regexp.MustCompile(`\[.*?\][^\n].*\n?`)

// Parse splits raw interpreter output into ordered fragments. It never fails:
// unknown tags are plain stdout and unreadable media files are dropped.
func Parse(output string) []domain.Fragment {
	fragments := make([]domain.Fragment, 0)
	for _, part := range splitKeepingTags(output) {
		if part == "" {
			continue
		}
		if fragment, ok := parsePart(strings.TrimSuffix(part, "\n")); ok {
			fragments = append(fragments, fragment)
		}
	}
	return fragments
}

func splitKeepingTags(s string) []string {
	var parts []string
	last := 0
	for _, loc := range tagPattern.FindAllStringIndex(s, -1) {
		parts = append(parts, s[last:loc[0]], s[loc[0]:loc[1]])
		last = loc[1]
	}
	return append(parts, s[last:])
}

func parsePart(part string) (domain.Fragment, bool) {
	switch {
	case strings.HasPrefix(part, TagImageNN):
		return mediaFragment(domain.FragmentImageNN, "image/png", strings.TrimPrefix(part, TagImageNN))
	case strings.HasPrefix(part, TagImage):
		return mediaFragment(domain.FragmentImage, "image/png", strings.TrimPrefix(part, TagImage))
	case strings.HasPrefix(part, TagAudio):
		return mediaFragment(domain.FragmentAudio, "audio/wav", strings.TrimPrefix(part, TagAudio))
	case strings.HasPrefix(part, TagStderr):
		return domain.Fragment{Type: domain.FragmentStderr, Value: strings.TrimPrefix(part, TagStderr)}, true
	case strings.HasPrefix(part, TagStdout):
		return domain.Fragment{Type: domain.FragmentStdout2, Value: strings.TrimPrefix(part, TagStdout)}, true
	default:
		return domain.Fragment{Type: domain.FragmentStdout, Value: part}, true
	}
}

// mediaFragment inlines the file at path as a base64 data URI. A missing file
// is usually still being written by the interpreter, so it is skipped.
func mediaFragment(kind domain.FragmentType, mime, path string) (domain.Fragment, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return domain.Fragment{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Fragment{}, false
	}
	return domain.Fragment{
		Type:  kind,
		Value: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, true
}
