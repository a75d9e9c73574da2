package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric types.
const (
	TypeCounter   = "counter"
	TypeGauge     = "gauge"
	TypeHistogram = "histogram"
)

// historySize bounds the samples a histogram keeps for averages.
const historySize = 100

// Collector 指标收集器
type Collector struct {
	metrics map[string]*Metric
	mu      sync.RWMutex
}

// Metric 指标
type Metric struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Count     uint64            `json:"count,omitempty"`
	Sum       float64           `json:"sum,omitempty"`
	History   []float64         `json:"history,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// NewCollector 创建指标收集器
func NewCollector() *Collector {
	return &Collector{
		metrics: make(map[string]*Metric),
	}
}

// IncCounter 增加计数器
func (c *Collector) IncCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter 增加计数器值
func (c *Collector) AddCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metricLocked(name, TypeCounter, labels)
	m.Value += value
	m.Timestamp = time.Now().Unix()
}

// SetGauge 设置仪表值
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metricLocked(name, TypeGauge, labels)
	m.Value = value
	m.Timestamp = time.Now().Unix()
}

// ObserveHistogram 观察直方图
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metricLocked(name, TypeHistogram, labels)
	m.Value = value
	m.Count++
	m.Sum += value
	m.History = append(m.History, value)
	if len(m.History) > historySize {
		m.History = m.History[1:]
	}
	m.Timestamp = time.Now().Unix()
}

func (c *Collector) metricLocked(name, typ string, labels map[string]string) *Metric {
	key := buildKey(name, labels)
	if m, exists := c.metrics[key]; exists {
		return m
	}
	m := &Metric{Name: name, Type: typ, Labels: copyLabels(labels)}
	c.metrics[key] = m
	return m
}

// buildKey 构建指标键, 标签按名称排序
func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range sortedKeys(labels) {
		sb.WriteString(":" + k + "=" + labels[k])
	}
	return sb.String()
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// GetMetrics 获取所有指标 (副本)
func (c *Collector) GetMetrics() map[string]Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]Metric, len(c.metrics))
	for k, v := range c.metrics {
		m := *v
		m.History = append([]float64(nil), v.History...)
		result[k] = m
	}
	return result
}

// GetMetric 获取单个指标
func (c *Collector) GetMetric(name string, labels map[string]string) (Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.metrics[buildKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// Value returns the metric's current value, 0 when absent.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	m, _ := c.GetMetric(name, labels)
	return m.Value
}

// Reset 重置指标
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = make(map[string]*Metric)
}

// sorted returns metrics ordered by key.
func (c *Collector) sorted() []Metric {
	all := c.GetMetrics()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, len(keys))
	for i, k := range keys {
		out[i] = all[k]
	}
	return out
}
