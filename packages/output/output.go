package output

import (
	"sort"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

// Formatter is implemented by every output format.
type Formatter interface {
	FormatResult(result *runner.RunResult)
	FormatError(err error)
	FormatHeader(version string)
}

// Flushable is implemented by formatters that accumulate results and write
// them at the end.
type Flushable interface {
	Flush(totalDuration time.Duration) error
}

// classGroup is the results of one class in first-seen order.
type classGroup struct {
	Name    string
	Results []*runner.TestResult
}

func groupByClass(results []*runner.TestResult) []classGroup {
	index := make(map[string]int)
	var groups []classGroup
	for _, r := range results {
		i, ok := index[r.Class]
		if !ok {
			i = len(groups)
			index[r.Class] = i
			groups = append(groups, classGroup{Name: r.Class})
		}
		groups[i].Results = append(groups[i].Results, r)
	}
	return groups
}

// failureMessages lists the recorded failures of r, one line each.
func failureMessages(r *runner.TestResult) []string {
	var lines []string
	for _, f := range r.Failures {
		lines = append(lines, f.String())
	}
	return lines
}

// primaryMessage is the first line of the most relevant failure.
func primaryMessage(r *runner.TestResult) string {
	if len(r.Failures) == 0 {
		if r.SkipReason != "" {
			return r.SkipReason
		}
		return ""
	}
	ordered := append(r.Failures[:0:0], r.Failures...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Source < ordered[j].Source
	})
	msg := ordered[0].Err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
