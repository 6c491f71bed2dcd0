package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipnote/internal/models"
)

func sampleSegments() []models.Segment {
	return []models.Segment{
		{Start: 0.0, End: 1.5, Text: "hello"},
		{Start: 1.5, End: 3.2, Text: "world"},
	}
}

func TestRenderSRT_MatchesSpecExample(t *testing.T) {
	body, err := Render(sampleSegments(), FormatSRT)
	require.NoError(t, err)

	expected := "1\n00:00:00,000 --> 00:00:01,500\nhello\n\n2\n00:00:01,500 --> 00:00:03,200\nworld\n"
	assert.Equal(t, expected, body)
}

func TestRenderTXT_JoinsWithNewlinesNoTimestamps(t *testing.T) {
	body, err := Render(sampleSegments(), FormatTXT)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", body)
}

func TestRenderSRT_RoundTrip(t *testing.T) {
	original := sampleSegments()
	body, err := Render(original, FormatSRT)
	require.NoError(t, err)

	parsed, err := parseSRT(body)
	require.NoError(t, err)
	require.Len(t, parsed, len(original))

	for i := range original {
		assert.InDelta(t, original[i].Start, parsed[i].Start, 0.001)
		assert.InDelta(t, original[i].End, parsed[i].End, 0.001)
		assert.Equal(t, original[i].Text, parsed[i].Text)
	}
}

func TestValidate_RejectsEmptySegments(t *testing.T) {
	err := Validate(nil)
	assert.Error(t, err)
}

func TestValidate_RejectsNonPositiveDuration(t *testing.T) {
	err := Validate([]models.Segment{{Start: 1.0, End: 1.0, Text: "x"}})
	assert.Error(t, err)
}

func TestValidate_RejectsEmptyText(t *testing.T) {
	err := Validate([]models.Segment{{Start: 0, End: 1, Text: "   "}})
	assert.Error(t, err)
}

func TestValidate_RejectsNegativeStart(t *testing.T) {
	err := Validate([]models.Segment{{Start: -0.1, End: 1, Text: "x"}})
	assert.Error(t, err)
}

func TestValidate_AcceptsWellFormedSegments(t *testing.T) {
	assert.NoError(t, Validate(sampleSegments()))
}

func TestRender_UnsupportedFormat(t *testing.T) {
	_, err := Render(sampleSegments(), "vtt")
	assert.Error(t, err)
}
