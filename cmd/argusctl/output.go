package main

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printStatusTable(statuses []map[string]any) {
	if len(statuses) == 0 {
		fmt.Println("no targets")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "TARGET\tSTATE\tALIVE\tAUTH\tCYCLES\tDROPS\tLAST POLL")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\t%s\t%s\n",
			str(st, "target"),
			str(st, "state"),
			st["alive"],
			st["authenticated"],
			fnum(st["cycles"]),
			fnum(st["queue_drops"]),
			ago(str(st, "last_poll")),
		)
	}
	w.Flush()
}

func printTargetStatus(st map[string]any) {
	w := newTable()
	fmt.Fprintf(w, "Target:\t%s\n", str(st, "target"))
	fmt.Fprintf(w, "State:\t%s\n", str(st, "state"))
	fmt.Fprintf(w, "Alive:\t%v\n", st["alive"])
	fmt.Fprintf(w, "Authenticated:\t%v\n", st["authenticated"])
	fmt.Fprintf(w, "Cycles:\t%s\n", fnum(st["cycles"]))
	fmt.Fprintf(w, "Queue drops:\t%s\n", fnum(st["queue_drops"]))
	fmt.Fprintf(w, "Last poll:\t%s\n", ago(str(st, "last_poll")))
	fmt.Fprintf(w, "Since:\t%s\n", ago(str(st, "since")))

	if samplers, ok := st["samplers"].([]any); ok && len(samplers) > 0 {
		fmt.Fprintf(w, "Samplers:\t%d\n", len(samplers))
		for _, item := range samplers {
			s, ok := item.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("field=%s samples=%s running=%v",
				str(s, "field"), fnum(s["samples"]), s["running"])
			if lastErr := str(s, "last_error"); lastErr != "" {
				line += " last_error=" + lastErr
			}
			fmt.Fprintf(w, "\t%s\n", line)
		}
	}

	if m, ok := st["monitor"].(map[string]any); ok {
		fmt.Fprintf(w, "Monitor:\tinterfaces=%s cycles=%s drops=%s running=%v\n",
			fnum(m["interfaces"]), fnum(m["cycles"]), fnum(m["drops"]), m["running"])
	}
	w.Flush()
}

func printTargetsTable(targets []map[string]any) {
	if len(targets) == 0 {
		fmt.Println("no targets registered")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "NAME\tMODEL\tSERIAL\tSW VERSION\tHOSTNAME\tLAST SEEN")
	for _, tg := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			str(tg, "name"),
			orDash(str(tg, "model")),
			orDash(str(tg, "serial")),
			orDash(str(tg, "sw_version")),
			orDash(str(tg, "hostname")),
			ago(str(tg, "last_seen")),
		)
	}
	w.Flush()
}

func printRecords(records []map[string]any) {
	if len(records) == 0 {
		fmt.Println("no records")
		return
	}
	for _, rec := range records {
		fields, _ := rec["Fields"].(map[string]any)
		parts := make([]string, 0, len(fields))
		for _, k := range sortedKeys(fields) {
			parts = append(parts, k+"="+fnum(fields[k]))
		}
		fmt.Printf("%s  %s\n", clock(str(rec, "Timestamp")), strings.Join(parts, " "))
	}
}

func printRatesTable(rates []map[string]any) {
	if len(rates) == 0 {
		fmt.Println("no rates")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "INTERFACE\tRX MBPS\tTX MBPS\tRX PPS\tTX PPS\tRX ERRS\tTIME")
	for _, r := range rates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			str(r, "Interface"),
			fnum(r["RxMbps"]),
			fnum(r["TxMbps"]),
			fnum(r["RxPps"]),
			fnum(r["TxPps"]),
			fnum(r["RxErrors"]),
			clock(str(r, "Timestamp")),
		)
	}
	w.Flush()
}

func printRollupsTable(rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Println("no rollups")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "BUCKET\tCOUNT\tMEAN\tMIN\tMAX\tP50\tP95\tP99")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			clock(str(r, "BucketStart")),
			fnum(r["Count"]),
			fnum(r["Mean"]),
			fnum(r["Min"]),
			fnum(r["Max"]),
			fnum(r["P50"]),
			fnum(r["P95"]),
			fnum(r["P99"]),
		)
	}
	w.Flush()
}

func printStats(stats map[string]any) {
	w := newTable()
	for _, section := range sortedKeys(stats) {
		m, ok := stats[section].(map[string]any)
		if !ok {
			fmt.Fprintf(w, "%s:\t%v\n", section, stats[section])
			continue
		}
		fmt.Fprintf(w, "%s:\t\n", section)
		for _, k := range sortedKeys(m) {
			fmt.Fprintf(w, "  %s:\t%s\n", k, scalar(m[k]))
		}
	}
	w.Flush()
}

// =============================================================================
// Formatting helpers
// =============================================================================

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// fnum renders wire numbers (float64 after decoding) compactly: integral
// values lose the decimals, the rest keep two.
func fnum(v any) string {
	f, ok := v.(float64)
	if !ok {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%v", v)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func scalar(v any) string {
	switch t := v.(type) {
	case float64:
		return fnum(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", v)
	}
}

// clock shortens an RFC3339 timestamp to local wall-clock time.
func clock(rfc string) string {
	if rfc == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, rfc)
	if err != nil {
		return rfc
	}
	return t.Local().Format("15:04:05")
}

// ago renders a timestamp as a relative age.
func ago(rfc string) string {
	if rfc == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, rfc)
	if err != nil {
		return rfc
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
