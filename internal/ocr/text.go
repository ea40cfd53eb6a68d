package ocr

import (
	"errors"
	"strings"
)

// ErrNoTextDetected is returned when recognition finishes without finding any text.
var ErrNoTextDetected = errors.New("no text detected")

// Box is a bounding region in pixels of the normalized image.
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Union returns the smallest box containing both b and o.
func (b Box) Union(o Box) Box {
	if b.Width == 0 && b.Height == 0 {
		return o
	}
	left, top := min(b.Left, o.Left), min(b.Top, o.Top)
	right := max(b.Left+b.Width, o.Left+o.Width)
	bottom := max(b.Top+b.Height, o.Top+o.Height)
	return Box{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

// Line is one recognized line of text.
type Line struct {
	Text       string  `json:"text"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	// LowConfidence lines are kept because layout and neighbouring lines still help structuring.
	LowConfidence bool `json:"low_confidence"`
}

// RecognizedText is the ordered, top-to-bottom output of a recognition run.
type RecognizedText struct {
	Lines    []Line `json:"lines"`
	Language string `json:"language"`
	// PSM is the tesseract page segmentation mode that produced the lines.
	PSM int `json:"psm"`
}

// Text joins the lines with newlines.
func (r *RecognizedText) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, len(r.Lines))
	for i, l := range r.Lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// Len is the number of non-space characters recognized.
func (r *RecognizedText) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, l := range r.Lines {
		n += len(strings.ReplaceAll(l.Text, " ", ""))
	}
	return n
}
