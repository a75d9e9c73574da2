package metrics

import (
	"io"
	"net/http"
	"strings"

	kjson "github.com/leeforge/kernel/json"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// WritePrometheus writes every metric in the Prometheus text exposition
// format, sorted by name and labels. Histograms are exported as summaries
// (_sum and _count).
func (c *Collector) WritePrometheus(w io.Writer) error {
	var sb strings.Builder
	lastName := ""
	for _, m := range c.sorted() {
		if m.Name != lastName {
			typ := m.Type
			if typ == TypeHistogram {
				typ = "summary"
			}
			sb.WriteString("# TYPE " + m.Name + " " + typ + "\n")
			lastName = m.Name
		}
		labels := formatLabels(m.Labels)
		switch m.Type {
		case TypeHistogram:
			sb.WriteString(m.Name + "_sum" + labels + " " + formatValue(m.Sum) + "\n")
			sb.WriteString(m.Name + "_count" + labels + " " + formatValue(float64(m.Count)) + "\n")
		default:
			sb.WriteString(m.Name + labels + " " + formatValue(m.Value) + "\n")
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// PrometheusFormat returns WritePrometheus output as a string.
func (c *Collector) PrometheusFormat() string {
	var sb strings.Builder
	_ = c.WritePrometheus(&sb)
	return sb.String()
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		pairs = append(pairs, k+`="`+labelEscaper.Replace(labels[k])+`"`)
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// MetricsHandler 指标处理器. 默认输出 Prometheus 文本格式, 请求
// ?format=json 时输出 JSON.
type MetricsHandler struct {
	collector *Collector
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(collector *Collector) *MetricsHandler {
	return &MetricsHandler{
		collector: collector,
	}
}

// ServeHTTP 实现 http.Handler
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = kjson.NewEncoder(w).Encode(h.collector.sorted())
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_ = h.collector.WritePrometheus(w)
}
