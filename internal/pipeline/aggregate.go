package pipeline

import (
	"context"
	"encoding/base64"
	"math"

	"github.com/Brownie44l1/cellclass-api/internal/imaging"
	"github.com/Brownie44l1/cellclass-api/internal/model"
)

// MaxRepresentatives caps the sample images returned per category.
const MaxRepresentatives = 5

type Category int

const (
	Live Category = iota
	Dead
	Singlet
	Aggregate
	numCategories
)

type Summary struct {
	TotalImages         int      `json:"total_images"`
	ErrorCount          int      `json:"error_count"`
	LiveCount           int      `json:"live_count"`
	DeadCount           int      `json:"dead_count"`
	SingletCount        *int     `json:"singlet_count,omitempty"`
	AggregateCount      *int     `json:"aggregate_count,omitempty"`
	LivePercentage      float64  `json:"live_percentage"`
	DeadPercentage      float64  `json:"dead_percentage"`
	SingletPercentage   *float64 `json:"singlet_percentage,omitempty"`
	AggregatePercentage *float64 `json:"aggregate_percentage,omitempty"`
}

// Report is the body of a successful /predict response. The singlet and
// aggregate fields are only present when the full pipeline runs.
type Report struct {
	Results         []Result  `json:"results"`
	Summary         Summary   `json:"summary"`
	LiveImages      []string  `json:"live_images"`
	DeadImages      []string  `json:"dead_images"`
	SingletImages   *[]string `json:"singlet_images,omitempty"`
	AggregateImages *[]string `json:"aggregate_images,omitempty"`
}

// Tally accumulates outcomes in upload order.
type Tally struct {
	full    bool
	results []Result
	errors  int
	counts  [numCategories]int
	samples [numCategories][]string
}

func NewTally(full bool) *Tally {
	t := &Tally{full: full, results: []Result{}}
	for i := range t.samples {
		t.samples[i] = []string{}
	}
	return t
}

func (t *Tally) Add(ctx context.Context, o Outcome) {
	t.results = append(t.results, o.Result)
	if o.Err != nil || o.Result.Error != "" {
		t.errors++
		return
	}

	var categories []Category
	switch o.Result.SingletAggregateLabel {
	case model.LabelSinglet:
		categories = append(categories, Singlet)
	case model.LabelAggregate:
		categories = append(categories, Aggregate)
	}

	liveDead := o.Result.LiveDeadLabel
	if liveDead == "" {
		liveDead = o.Result.Label
	}
	switch liveDead {
	case model.LabelLive:
		categories = append(categories, Live)
	case model.LabelDead:
		categories = append(categories, Dead)
	}

	var encoded string
	for _, c := range categories {
		t.counts[c]++
		if len(t.samples[c]) >= MaxRepresentatives || o.Image == nil {
			continue
		}
		if encoded == "" {
			data, err := imaging.EncodeJPEG(o.Image)
			if err != nil {
				LoggerFrom(ctx).Warn("Skipping representative image", "filename", o.Result.Filename, "error", err)
				continue
			}
			encoded = base64.StdEncoding.EncodeToString(data)
		}
		t.samples[c] = append(t.samples[c], encoded)
	}
}

func (t *Tally) Count(c Category) int { return t.counts[c] }

func (t *Tally) Report() *Report {
	total := len(t.results)
	classified := total - t.errors

	s := Summary{
		TotalImages:    total,
		ErrorCount:     t.errors,
		LiveCount:      t.counts[Live],
		DeadCount:      t.counts[Dead],
		LivePercentage: percentage(t.counts[Live], classified),
		DeadPercentage: percentage(t.counts[Dead], classified),
	}

	r := &Report{
		Results:    t.results,
		LiveImages: t.samples[Live],
		DeadImages: t.samples[Dead],
	}

	if t.full {
		singlet, aggregate := t.counts[Singlet], t.counts[Aggregate]
		singletPct, aggregatePct := percentage(singlet, classified), percentage(aggregate, classified)
		s.SingletCount, s.AggregateCount = &singlet, &aggregate
		s.SingletPercentage, s.AggregatePercentage = &singletPct, &aggregatePct

		singletImages, aggregateImages := t.samples[Singlet], t.samples[Aggregate]
		r.SingletImages, r.AggregateImages = &singletImages, &aggregateImages
	}

	r.Summary = s
	return r
}

// percentage is 100*n/base rounded to two decimals, or 0 for an empty base.
func percentage(n, base int) float64 {
	if base <= 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(base)) / 100
}
