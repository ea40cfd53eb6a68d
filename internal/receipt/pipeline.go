package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-assistant/internal/imaging"
	"github.com/zombor/receipt-assistant/internal/ocr"
)

// ErrCancelled is returned when a run was cancelled between stages.
var ErrCancelled = errors.New("receipt processing cancelled")

// Stage names a step of the pipeline.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageRecognize Stage = "recognize"
	StageStructure Stage = "structure"
	StageValidate  Stage = "validate"
)

// Normalizer prepares raw images for recognition
type Normalizer interface {
	Normalize(raw imaging.RawImage) (*imaging.NormalizedImage, error)
}

// Recognizer reads text from normalized images
type Recognizer interface {
	Recognize(ctx context.Context, img *imaging.NormalizedImage, lang string) (*ocr.RecognizedText, error)
}

// ItemStructurer turns recognized text into a draft record
type ItemStructurer interface {
	Structure(ctx context.Context, text *ocr.RecognizedText) (*Record, error)
}

// Canceller is polled between stages. A nil Canceller never cancels.
type Canceller interface {
	Cancelled() bool
}

// StageReporter is implemented by cancellers that want to hear about stage changes.
type StageReporter interface {
	Report(stage Stage)
}

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Pipeline runs one receipt image through normalize, recognize, structure
// and validate, strictly in that order.
type Pipeline struct {
	normalizer  Normalizer
	recognizer  Recognizer
	structurer  ItemStructurer
	validator   *Validator
	lang        string
	idGenerator IDGenerator
	timeSource  TimeSource
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLanguage sets the OCR language hint.
func WithLanguage(lang string) PipelineOption {
	return func(p *Pipeline) {
		p.lang = lang
	}
}

// WithIDGenerator replaces the uuid record IDs.
func WithIDGenerator(g IDGenerator) PipelineOption {
	return func(p *Pipeline) {
		p.idGenerator = g
	}
}

// WithTimeSource replaces the wall clock.
func WithTimeSource(t TimeSource) PipelineOption {
	return func(p *Pipeline) {
		p.timeSource = t
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(n Normalizer, r Recognizer, s ItemStructurer, v *Validator, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		normalizer:  n,
		recognizer:  r,
		structurer:  s,
		validator:   v,
		lang:        "eng",
		idGenerator: uuidGenerator{},
		timeSource:  defaultTimeSource{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs raw through every stage. cancel is checked before each stage;
// credits spent by a structuring call that finished before cancellation are
// not refunded.
func (p *Pipeline) Process(ctx context.Context, raw imaging.RawImage, cancel Canceller) (*Record, error) {
	start := p.timeSource.Now()

	if err := p.enter(ctx, cancel, StageNormalize); err != nil {
		return nil, err
	}
	img, err := p.normalizer.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing image: %w", err)
	}

	if err := p.enter(ctx, cancel, StageRecognize); err != nil {
		return nil, err
	}
	text, err := p.recognizer.Recognize(ctx, img, p.lang)
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	if err := p.enter(ctx, cancel, StageStructure); err != nil {
		return nil, err
	}
	draft, err := p.structurer.Structure(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := p.enter(ctx, cancel, StageValidate); err != nil {
		slog.Info("Receipt cancelled after structuring, credits are not refunded", "tier", draft.Tier)
		return nil, err
	}
	draft.ID = p.idGenerator.Generate()
	draft.CreatedAt = p.timeSource.Now()
	record := p.validator.Validate(draft)

	slog.Info("Processed receipt",
		"id", record.ID,
		"items", len(record.Items),
		"status", record.Status,
		"tier", record.Tier,
		"psm", text.PSM,
		"duration", p.timeSource.Now().Sub(start),
	)
	return record, nil
}

func (p *Pipeline) enter(ctx context.Context, cancel Canceller, stage Stage) error {
	if cancel != nil && cancel.Cancelled() {
		return fmt.Errorf("%w before %s", ErrCancelled, stage)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before %s: %w", ErrCancelled, stage, err)
	}
	if r, ok := cancel.(StageReporter); ok {
		r.Report(stage)
	}
	return nil
}

var (
	reFilenameJunk   = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	reFilenameSpaces = regexp.MustCompile(`\s+`)
)

// SanitizeFilename cleans up a filename by removing special characters and truncating length
func SanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = reFilenameJunk.ReplaceAllString(base, "")
	base = reFilenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// 50 chars for base, plus extension
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}
