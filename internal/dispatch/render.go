package dispatch

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gpulimit/domain/task"
)

const truncateAt = 80

// table renders borderless, left-aligned columns.
type table struct {
	b strings.Builder
	w *tabwriter.Writer
}

func newTable(headers ...string) *table {
	t := &table{}
	t.w = tabwriter.NewWriter(&t.b, 0, 0, 2, ' ', 0)
	if len(headers) > 0 {
		t.row(toAny(headers)...)
	}
	return t
}

func (t *table) row(cells ...any) {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = cellString(c)
	}
	fmt.Fprintln(t.w, strings.Join(parts, "\t"))
}

func (t *table) String() string {
	t.w.Flush()
	return strings.TrimRight(t.b.String(), "\n")
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func cellString(c any) string {
	switch v := c.(type) {
	case nil:
		return "None"
	case *int:
		if v == nil {
			return "None"
		}
		return fmt.Sprint(*v)
	case *float64:
		if v == nil {
			return "None"
		}
		return fmt.Sprintf("%.1f", *v)
	case *time.Time:
		if v == nil {
			return "None"
		}
		return v.Format(time.DateTime)
	case time.Time:
		return v.Format(time.DateTime)
	case time.Duration:
		return v.Round(time.Second).String()
	default:
		// Embedded tabs or newlines would break the columns.
		return strings.NewReplacer("\t", " ", "\n", " ").Replace(fmt.Sprint(v))
	}
}

// statusCell is `running(GPU:0)` for tasks holding devices.
func statusCell(info task.Info) string {
	if len(info.Devices) == 0 {
		return info.StatusName
	}
	return fmt.Sprintf("%s(GPU:%s)", info.StatusName, task.FormatDevices(info.Devices))
}

func truncate(s string, all bool) string {
	if all {
		return s
	}
	r := []rune(s)
	if len(r) <= truncateAt {
		return s
	}
	return string(r[:truncateAt])
}
