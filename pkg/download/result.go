package download

import (
	"time"

	"github.com/google/uuid"
	"github.com/srg/wearsense/pkg/record"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Result holds the demultiplexed samples of one download, one series per
// logger key in the order the keys first appeared in flash. Each series is
// sorted by host time.
type Result struct {
	ID        uuid.UUID
	StartDate time.Time
	// Complete is set only when every announced byte arrived and was framed.
	Complete bool
	Received uint64
	Total    uint64
	// Skipped counts entries of loggers the board no longer knows.
	Skipped int

	series *orderedmap.OrderedMap[string, []record.Sample]
}

func newResult(id uuid.UUID, startDate time.Time) *Result {
	return &Result{ID: id, StartDate: startDate, series: orderedmap.New[string, []record.Sample]()}
}

// Keys lists logger keys in first-seen order, followed by loggers that
// recorded nothing.
func (r *Result) Keys() []string {
	keys := make([]string, 0, r.series.Len())
	for p := r.series.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Samples returns the series for key.
func (r *Result) Samples(key string) []record.Sample {
	s, _ := r.series.Get(key)
	return s
}

// Len is the number of samples across all series.
func (r *Result) Len() int {
	n := 0
	for p := r.series.Oldest(); p != nil; p = p.Next() {
		n += len(p.Value)
	}
	return n
}

// Row is one sample with its time relative to the download's start date.
type Row struct {
	Elapsed time.Duration
	Time    time.Time
	Value   record.Value
}

// Rows returns the series for key as elapsed-time rows.
func (r *Result) Rows(key string) []Row {
	samples := r.Samples(key)
	rows := make([]Row, len(samples))
	for i, s := range samples {
		rows[i] = Row{Elapsed: s.Time.Sub(r.StartDate), Time: s.Time, Value: s.Value}
	}
	return rows
}
