package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/zombor/receipt-assistant/internal/imaging"
)

// receiptWhitelist limits tesseract to characters that appear on receipts
const receiptWhitelist = "0123456789$.,€£ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz /-:%#@&*()"

// Recognizer runs tesseract over normalized images.
type Recognizer struct {
	runner        Runner
	binary        string
	tessdataDir   string
	lowConfidence float64
	modes         []int
	enough        int
	whitelist     string
}

// RecognizerOption configures a Recognizer.
type RecognizerOption func(*Recognizer)

// WithRunner replaces the command runner.
func WithRunner(r Runner) RecognizerOption {
	return func(rec *Recognizer) {
		rec.runner = r
	}
}

// WithBinary sets the tesseract executable path.
func WithBinary(path string) RecognizerOption {
	return func(rec *Recognizer) {
		if path != "" {
			rec.binary = path
		}
	}
}

// WithTessdataDir points tesseract at a custom language data directory.
func WithTessdataDir(dir string) RecognizerOption {
	return func(rec *Recognizer) {
		rec.tessdataDir = dir
	}
}

// WithLowConfidence sets the threshold under which lines are flagged.
func WithLowConfidence(threshold float64) RecognizerOption {
	return func(rec *Recognizer) {
		rec.lowConfidence = threshold
	}
}

// WithModes sets the page segmentation modes tried in order, and the number of
// characters after which the sweep stops early.
func WithModes(enough int, modes ...int) RecognizerOption {
	return func(rec *Recognizer) {
		if len(modes) > 0 {
			rec.modes = modes
		}
		rec.enough = enough
	}
}

// NewRecognizer returns a Recognizer that sweeps PSM 6, 3, 4, 11, 12 and 1.
func NewRecognizer(opts ...RecognizerOption) *Recognizer {
	rec := &Recognizer{
		runner:        ExecRunner{},
		binary:        "tesseract",
		lowConfidence: 0.4,
		modes:         []int{6, 3, 4, 11, 12, 1},
		enough:        50,
		whitelist:     receiptWhitelist,
	}
	for _, o := range opts {
		o(rec)
	}
	return rec
}

// Recognize extracts text lines from img. lang is a tesseract language code and
// defaults to "eng". Every configured segmentation mode is tried until one
// yields enough text; the richest result wins.
func (r *Recognizer) Recognize(ctx context.Context, img *imaging.NormalizedImage, lang string) (*RecognizedText, error) {
	if img == nil || img.Gray == nil {
		return nil, errors.New("no image to recognize")
	}
	if lang == "" {
		lang = "eng"
	}

	data, err := img.PNG()
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "receipt-*.png")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	var (
		best    *RecognizedText
		lastErr error
	)
	for _, psm := range r.modes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, stderr, err := r.runner.Run(ctx, r.binary, r.args(path, lang, psm)...)
		if err != nil {
			slog.Warn("Recognition pass failed", "psm", psm, "error", err, "stderr", truncate(string(stderr), 512))
			lastErr = err
			continue
		}

		result := &RecognizedText{
			Lines:    ParseTSV(out, r.lowConfidence),
			Language: lang,
			PSM:      psm,
		}
		slog.Debug("Recognition pass", "psm", psm, "lines", len(result.Lines), "chars", result.Len())

		if best == nil || result.Len() > best.Len() {
			best = result
		}
		if best.Len() > r.enough {
			break
		}
	}

	if best == nil && lastErr != nil {
		return nil, fmt.Errorf("running tesseract: %w", lastErr)
	}
	if best == nil || len(best.Lines) == 0 {
		return nil, ErrNoTextDetected
	}
	return best, nil
}

func (r *Recognizer) args(path, lang string, psm int) []string {
	args := []string{path, "stdout", "-l", lang, "--oem", "3", "--psm", strconv.Itoa(psm)}
	if r.tessdataDir != "" {
		args = append(args, "--tessdata-dir", r.tessdataDir)
	}
	if r.whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+r.whitelist)
	}
	return append(args, "tsv")
}
