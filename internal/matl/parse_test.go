package matl

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suever/MATL-Online/internal/domain"
)

func TestParseStderr(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{"error", "Index exceeds matrix dimensions", "", "  spaced  "} {
		got := Parse(TagStderr + msg)
		assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStderr, Value: msg}}, got)
	}
}

func TestParseSecondaryStdout(t *testing.T) {
	t.Parallel()

	got := Parse("[STDOUT]hello")
	assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStdout2, Value: "hello"}}, got)
}

func TestParseMultilinePlainText(t *testing.T) {
	t.Parallel()

	text := "1 2 3\n4 5 6\n\n7 8 9"
	got := Parse(text)
	assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStdout, Value: text}}, got)
}

func TestParseStripsExactlyOneTrailingNewline(t *testing.T) {
	t.Parallel()

	got := Parse("abc\n\n")
	assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStdout, Value: "abc\n"}}, got)
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	got := Parse("")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestParseUnknownTagIsStdout(t *testing.T) {
	t.Parallel()

	got := Parse("[BOGUS]value")
	assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStdout, Value: "[BOGUS]value"}}, got)

	got = Parse("[1 2 3")
	assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStdout, Value: "[1 2 3"}}, got)
}

func TestParseMixedPreservesOrder(t *testing.T) {
	t.Parallel()

	got := Parse("first\n[STDERR]oops\nsecond\nthird\n[STDOUT]aside")
	assert.Equal(t, []domain.Fragment{
		{Type: domain.FragmentStdout, Value: "first"},
		{Type: domain.FragmentStderr, Value: "oops"},
		{Type: domain.FragmentStdout, Value: "second\nthird"},
		{Type: domain.FragmentStdout2, Value: "aside"},
	}, got)
}

func TestParseMissingMediaIsDropped(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.png")
	assert.Empty(t, Parse(TagImage+missing))
	assert.Empty(t, Parse(TagImageNN+missing))
	assert.Empty(t, Parse(TagAudio+missing))

	// A directory is not a file either.
	assert.Empty(t, Parse(TagImage+t.TempDir()))
}

func TestParseMedia(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "out.png")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))

	assert.Equal(t,
		[]domain.Fragment{{Type: domain.FragmentImage, Value: "data:image/png;base64," + encoded}},
		Parse(TagImage+file))
	assert.Equal(t,
		[]domain.Fragment{{Type: domain.FragmentImageNN, Value: "data:image/png;base64," + encoded}},
		Parse(TagImageNN+file))
	assert.Equal(t,
		[]domain.Fragment{{Type: domain.FragmentAudio, Value: "data:audio/wav;base64," + encoded}},
		Parse(TagAudio+file))

	// The source file is left untouched.
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestParseNeverPanics(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"[", "]", "[]", "[]x", "[\n]", "\n\n\n", "[IMAGE]", "[IMAGE_NN]\n", "[AUDIO]\x00",
		"[STDERR]\n[STDERR]\n", "\xff\xfe[STDOUT]\xff", "[[[[STDERR]]]]x",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Parse(in) }, "input %q", in)
	}
}
