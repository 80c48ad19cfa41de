/**
 * Tesseract Engine - ocr.Engine backed by gosseract
 *
 * One gosseract client per engine. Clients load language data on creation,
 * so engines are built through the ocr.Pool and reused across documents.
 */

package tesseract

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
	"github.com/adverant/nexus/docextract-worker/internal/imageproc"
	"github.com/adverant/nexus/docextract-worker/internal/ocr"
)

// DefaultLanguage is used when no language is configured.
const DefaultLanguage = "eng"

// Engine recognises words and text lines with Tesseract.
type Engine struct {
	client *gosseract.Client
	lang   string
}

// New creates an engine for the given "+"-separated language list ("eng+deu").
func New(lang string) (*Engine, error) {
	if lang == "" {
		lang = DefaultLanguage
	}

	client := gosseract.NewClient()
	if err := client.SetLanguage(strings.Split(lang, "+")...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language %q: %w", lang, err)
	}
	// Documents are photographed pages with sparse printed labels.
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	return &Engine{client: client, lang: lang}, nil
}

// Factory returns an ocr.Factory that builds Tesseract engines for lang.
func Factory(lang string) ocr.Factory {
	return func(ctx context.Context) (ocr.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return New(lang)
	}
}

// Recognize runs whole-image recognition and returns word and line tokens.
func (e *Engine) Recognize(ctx context.Context, img image.Image) (*ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := imageproc.EncodePNG(img)
	if err != nil {
		return nil, apperrors.NewOCRFailedError("tesseract", err)
	}
	if err := e.client.SetImageFromBytes(data); err != nil {
		return nil, apperrors.NewOCRFailedError("tesseract", fmt.Errorf("failed to set image: %w", err))
	}

	words, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, apperrors.NewOCRFailedError("tesseract", fmt.Errorf("word recognition: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines, err := e.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, apperrors.NewOCRFailedError("tesseract", fmt.Errorf("line recognition: %w", err))
	}

	return &ocr.Result{
		Words: toTokens(words),
		Lines: toTokens(lines),
	}, nil
}

// Language returns the configured language list.
func (e *Engine) Language() string {
	return e.lang
}

// Close frees the underlying Tesseract client.
func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func toTokens(boxes []gosseract.BoundingBox) []ocr.Token {
	tokens := make([]ocr.Token, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		tokens = append(tokens, ocr.Token{
			Text:       text,
			Confidence: b.Confidence,
			BBox: ocr.BBox{
				X0: b.Box.Min.X,
				Y0: b.Box.Min.Y,
				X1: b.Box.Max.X,
				Y1: b.Box.Max.Y,
			},
		})
	}
	return tokens
}
