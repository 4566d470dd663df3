package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v == float64(int64(v)) {
			s = fmt.Sprintf("%d", int64(v))
		} else {
			return fmt.Sprintf("%.1f", v)
		}
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func formatValidation(r ValidationReport) string {
	if r.Valid {
		return joinLines(section("Validation"), kv("Valid", "yes"))
	}
	lines := []string{section("Validation"), kv("Valid", "no")}
	for _, e := range r.Errors {
		lines = append(lines, "- "+e)
	}
	return joinLines(lines...)
}

func formatRun(r RunReport) string {
	status := "passed"
	if !r.Success {
		status = "failed"
	}
	lines := []string{
		section("k6 run"),
		kv("Status", status),
		kv("Exit code", r.ExitCode),
	}

	if m := summaryMetrics(r.Summary); m != nil {
		if v, ok := metricValue(m, "http_reqs", "count"); ok {
			lines = append(lines, kv("Requests", formatNumber(v)))
		}
		if v, ok := metricValue(m, "http_reqs", "rate"); ok {
			lines = append(lines, kv("Throughput", fmt.Sprintf("%.1f req/s", v)))
		}
		if v, ok := metricValue(m, "http_req_duration", "avg"); ok {
			lines = append(lines, kv("Latency avg", formatMs(v)))
		}
		if v, ok := metricValue(m, "http_req_duration", "p(95)"); ok {
			lines = append(lines, kv("Latency p95", formatMs(v)))
		}
		if v, ok := failedRate(m); ok {
			lines = append(lines, kv("Failed requests", formatPct(v*100)))
		}
	}
	return joinLines(lines...)
}

// summaryMetrics returns the metrics object of a k6 summary. Both the
// --summary-export layout and the handleSummary layout (values nested under
// "values") are accepted.
func summaryMetrics(raw json.RawMessage) map[string]map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Metrics map[string]map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	for name, m := range doc.Metrics {
		if nested, ok := m["values"].(map[string]any); ok {
			doc.Metrics[name] = nested
		}
	}
	return doc.Metrics
}

func metricValue(metrics map[string]map[string]any, name, key string) (float64, bool) {
	m, ok := metrics[name]
	if !ok {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}

// failedRate reads http_req_failed, which k6 reports as "value" in exports
// and as "rate" under values.
func failedRate(metrics map[string]map[string]any) (float64, bool) {
	if v, ok := metricValue(metrics, "http_req_failed", "rate"); ok {
		return v, true
	}
	return metricValue(metrics, "http_req_failed", "value")
}
