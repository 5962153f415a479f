// Package viseme maps speech-synthesizer viseme IDs onto the blendshape
// expression names the avatar renderer animates.
package viseme

import "time"

const Silence = "viseme_sil"

// Event is one viseme emitted by the synthesizer.
type Event struct {
	TimeMS float64
	Code   int
}

// Expression is a named blendshape target and its activation weight.
type Expression struct {
	TimeMS float64 `json:"timeMs"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// table covers the 22 synthesizer viseme IDs (0-21). Each ID drives exactly
// one blendshape.
var table = map[int]string{
	0:  "viseme_sil",
	1:  "viseme_aa",
	2:  "viseme_aa",
	3:  "viseme_O",
	4:  "viseme_E",
	5:  "viseme_RR",
	6:  "viseme_I",
	7:  "viseme_U",
	8:  "viseme_O",
	9:  "viseme_aa",
	10: "viseme_O",
	11: "viseme_aa",
	12: "viseme_kk",
	13: "viseme_RR",
	14: "viseme_nn",
	15: "viseme_SS",
	16: "viseme_CH",
	17: "viseme_TH",
	18: "viseme_FF",
	19: "viseme_DD",
	20: "viseme_kk",
	21: "viseme_PP",
}

// Lookup returns the expression for code. Unknown codes map to silence with
// zero weight.
func Lookup(code int) (name string, weight float64) {
	if name, ok := table[code]; ok {
		return name, 1
	}
	return Silence, 0
}

// Map translates an ordered viseme list into an expression timeline of the
// same length and order.
func Map(events []Event) []Expression {
	if len(events) == 0 {
		return nil
	}
	out := make([]Expression, len(events))
	for i, ev := range events {
		name, weight := Lookup(ev.Code)
		out[i] = Expression{TimeMS: ev.TimeMS, Name: name, Weight: weight}
	}
	return out
}

// Span is the time between the first and last expression.
func Span(timeline []Expression) time.Duration {
	if len(timeline) < 2 {
		return 0
	}
	ms := timeline[len(timeline)-1].TimeMS - timeline[0].TimeMS
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
