package practice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	MinRating = 1
	MaxRating = 100
)

// ValidateTurn checks a turn against the analysis schema. An empty transcript
// is allowed; rating and fixes are not defaulted.
func ValidateTurn(t Turn) error {
	if t.Rating < MinRating || t.Rating > MaxRating {
		return MalformedAnalysis(fmt.Sprintf("rating %d is outside [%d,%d]", t.Rating, MinRating, MaxRating))
	}
	if len(t.Fixes) == 0 {
		return MalformedAnalysis("fixes must contain at least one entry")
	}
	for i, fix := range t.Fixes {
		if strings.TrimSpace(fix) == "" {
			return MalformedAnalysis(fmt.Sprintf("fixes[%d] is empty", i))
		}
	}
	return nil
}

type wireTurn struct {
	Transcript *string          `json:"transcript"`
	Response   *string          `json:"response"`
	Rating     *json.Number     `json:"rating"`
	Fixes      *json.RawMessage `json:"fixes"`
}

// DecodeTurn parses a JSON object carrying transcript, response, rating and
// fixes. Unknown fields are ignored. Missing or mistyped fields fail with a
// MalformedAnalysis error rather than being defaulted. When requireTranscript
// is false a missing transcript is treated as empty.
func DecodeTurn(data []byte, requireTranscript bool) (Turn, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var w wireTurn
	if err := dec.Decode(&w); err != nil {
		return Turn{}, MalformedAnalysis("analysis response is not a JSON object")
	}

	var out Turn
	if w.Transcript != nil {
		out.Transcript = *w.Transcript
	} else if requireTranscript {
		return Turn{}, MalformedAnalysis("transcript is missing")
	}

	if w.Response == nil {
		return Turn{}, MalformedAnalysis("response is missing")
	}
	out.Response = *w.Response

	if w.Rating == nil {
		return Turn{}, MalformedAnalysis("rating is missing")
	}
	rating, err := w.Rating.Float64()
	if err != nil || rating != math.Trunc(rating) {
		return Turn{}, MalformedAnalysis("rating must be an integer")
	}
	out.Rating = int(rating)

	if w.Fixes == nil {
		return Turn{}, MalformedAnalysis("fixes is missing")
	}
	if err := json.Unmarshal(*w.Fixes, &out.Fixes); err != nil {
		return Turn{}, MalformedAnalysis("fixes must be an array of strings")
	}

	if err := ValidateTurn(out); err != nil {
		return Turn{}, err
	}
	return out, nil
}
