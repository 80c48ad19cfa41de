package tesseract

import (
	"context"
	"image"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/docextract-worker/internal/ocr"
)

func newEngineOrSkip(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultLanguage)
	if err != nil {
		t.Skipf("tesseract unavailable: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestToTokensConvertsBoxes(t *testing.T) {
	boxes := []gosseract.BoundingBox{
		{Box: image.Rect(10, 10, 80, 30), Word: " LICENSE ", Confidence: 91.5},
		{Box: image.Rect(0, 0, 5, 5), Word: "   ", Confidence: 99},
		{Box: image.Rect(85, 10, 110, 30), Word: "NO", Confidence: 88},
	}

	tokens := toTokens(boxes)

	require.Len(t, tokens, 2, "blank words are dropped")
	assert.Equal(t, ocr.Token{
		Text:       "LICENSE",
		Confidence: 91.5,
		BBox:       ocr.BBox{X0: 10, Y0: 10, X1: 80, Y1: 30},
	}, tokens[0])
	assert.Equal(t, "NO", tokens[1].Text)
}

func TestRecognizeHonoursCancelledContext(t *testing.T) {
	e := newEngineOrSkip(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Recognize(ctx, image.NewNRGBA(image.Rect(0, 0, 10, 10)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFactoryBuildsPooledEngines(t *testing.T) {
	newEngineOrSkip(t)

	pool, err := ocr.NewPool(Factory(DefaultLanguage), 1)
	require.NoError(t, err)
	defer pool.Close()

	err = pool.Do(context.Background(), func(engine ocr.Engine) error {
		te, ok := engine.(*Engine)
		require.True(t, ok)
		assert.Equal(t, DefaultLanguage, te.Language())
		return nil
	})
	require.NoError(t, err)
}
