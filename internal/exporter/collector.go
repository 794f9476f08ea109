package exporter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/homeserver-ops/synapse-monitor/internal/registry"
)

const metricNamespace = "synapse_db"

// sample is one decoded metric value, ready for publication.
type sample struct {
	name        string
	help        string
	valueType   prometheus.ValueType
	labelNames  []string
	labelValues []string
	value       float64
}

// snapshotStore keeps the latest decoded samples per query/connection
// pair and republishes them on every scrape as const metrics. Counters
// from the database keep their cumulative semantics this way; a
// CounterVec could only Inc/Add.
type snapshotStore struct {
	mu      sync.RWMutex
	samples map[string][]sample
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{samples: make(map[string][]sample)}
}

func (s *snapshotStore) set(key string, samples []sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[key] = samples
}

func (s *snapshotStore) drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, key)
}

// Describe is intentionally empty: the metric set depends on the loaded
// registry, so the store registers as an unchecked collector.
func (s *snapshotStore) Describe(chan<- *prometheus.Desc) {}

func (s *snapshotStore) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, samples := range s.samples {
		for _, smp := range samples {
			// A scrape must never take the exporter down, whatever the
			// queries file named things. Samples that do not form a legal
			// metric are reported and skipped.
			metric, err := prometheus.NewConstMetric(
				prometheus.NewDesc(smp.name, smp.help, smp.labelNames, nil),
				smp.valueType, smp.value, smp.labelValues...)
			if err != nil {
				processErrorsCnt.WithLabelValues("publish").Inc()
				logrus.Errorf("Failed to publish sample %s: %v", smp.name, err)
				continue
			}
			ch <- metric
		}
	}
}

// decodeSamples maps query result rows onto the definition's column
// mappings. LABEL columns become label values, GAUGE and COUNTER
// columns become samples named <namespace>_<query>_<column>. A mapped
// column missing from the result set is reported through onMismatch and
// skipped; remaining columns are still published.
func decodeSamples(def registry.QueryDefinition, rows []map[string]interface{}, constLabels map[string]string, onMismatch func(column string)) []sample {
	labelCols := make(map[string]struct{})
	for _, col := range def.LabelColumns() {
		labelCols[col] = struct{}{}
	}

	// A LABEL column shadows a connection label of the same name; the
	// query author asked for that dimension explicitly, and a duplicate
	// label name would make the sample illegal.
	constNames := make([]string, 0, len(constLabels))
	for name := range constLabels {
		if _, shadowed := labelCols[name]; shadowed {
			continue
		}
		constNames = append(constNames, name)
	}
	sort.Strings(constNames)

	labelNames := append(def.LabelColumns(), constNames...)

	var samples []sample
	for _, row := range rows {
		labelValues := make([]string, 0, len(labelNames))
		for _, col := range def.LabelColumns() {
			v, ok := row[col]
			if !ok {
				onMismatch(col)
				v = nil
			}
			labelValues = append(labelValues, toString(v))
		}
		for _, name := range constNames {
			labelValues = append(labelValues, constLabels[name])
		}

		for _, m := range def.ValueColumns() {
			raw, ok := row[m.Column]
			if !ok {
				onMismatch(m.Column)
				continue
			}
			value, ok := toFloat64(raw)
			if !ok {
				onMismatch(m.Column)
				continue
			}
			valueType := prometheus.GaugeValue
			if m.Usage == registry.Counter {
				valueType = prometheus.CounterValue
			}
			samples = append(samples, sample{
				name:        fmt.Sprintf("%s_%s_%s", metricNamespace, def.Name, m.Column),
				help:        m.Description,
				valueType:   valueType,
				labelNames:  labelNames,
				labelValues: labelValues,
				value:       value,
			})
		}
	}
	return samples
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case time.Time:
		return float64(val.Unix()), true
	case []byte:
		f, err := strconv.ParseFloat(string(val), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case nil:
		return math.NaN(), true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
