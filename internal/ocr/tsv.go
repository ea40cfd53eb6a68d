package ocr

import (
	"sort"
	"strconv"
	"strings"
)

// tesseract TSV columns
const (
	colLevel = iota
	colPage
	colBlock
	colPar
	colLine
	colWord
	colLeft
	colTop
	colWidth
	colHeight
	colConf
	colText
	numCols
)

const wordLevel = 5

type lineKey struct {
	page, block, par, line int
}

type lineAcc struct {
	words   []string
	box     Box
	confSum float64
	confN   int
	order   int
}

// ParseTSV groups tesseract word rows into lines. Confidence is the mean word
// confidence scaled to [0,1]; lines under lowConfidence are flagged, not dropped.
func ParseTSV(data []byte, lowConfidence float64) []Line {
	acc := map[lineKey]*lineAcc{}
	var order []lineKey

	for i, row := range strings.Split(string(data), "\n") {
		row = strings.TrimRight(row, "\r")
		if i == 0 || row == "" {
			continue
		}
		cols := strings.Split(row, "\t")
		if len(cols) < numCols-1 {
			continue
		}
		ints := make([]int, colConf)
		ok := true
		for c := 0; c < colConf; c++ {
			v, err := strconv.Atoi(cols[c])
			if err != nil {
				ok = false
				break
			}
			ints[c] = v
		}
		if !ok || ints[colLevel] != wordLevel {
			continue
		}

		text := ""
		if len(cols) > colText {
			text = strings.TrimSpace(cols[colText])
		}
		if text == "" {
			continue
		}

		key := lineKey{ints[colPage], ints[colBlock], ints[colPar], ints[colLine]}
		l, seen := acc[key]
		if !seen {
			l = &lineAcc{order: len(order)}
			acc[key] = l
			order = append(order, key)
		}
		l.words = append(l.words, text)
		l.box = l.box.Union(Box{Left: ints[colLeft], Top: ints[colTop], Width: ints[colWidth], Height: ints[colHeight]})

		if conf, err := strconv.ParseFloat(cols[colConf], 64); err == nil && conf >= 0 {
			l.confSum += conf
			l.confN++
		}
	}

	lines := make([]Line, 0, len(order))
	for _, key := range order {
		l := acc[key]
		conf := 0.0
		if l.confN > 0 {
			conf = clamp01(l.confSum / float64(l.confN) / 100)
		}
		lines = append(lines, Line{
			Text:          strings.Join(l.words, " "),
			Box:           l.box,
			Confidence:    conf,
			LowConfidence: conf < lowConfidence,
		})
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Box.Top < lines[j].Box.Top
	})
	return lines
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
