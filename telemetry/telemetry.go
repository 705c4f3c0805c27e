package telemetry

import (
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	metricsprom "github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config defines the telemetry section of the application configuration. The
// zero value disables all metric emission.
type Config struct {
	// ServiceName prefixes every emitted metric key.
	ServiceName string `toml:"service_name" yaml:"service_name" mapstructure:"service_name"`

	Enabled bool `toml:"enabled" yaml:"enabled" mapstructure:"enabled"`

	EnableHostname      bool `toml:"enable_hostname" yaml:"enable_hostname" mapstructure:"enable_hostname"`
	EnableHostnameLabel bool `toml:"enable_hostname_label" yaml:"enable_hostname_label" mapstructure:"enable_hostname_label"`
	EnableServiceLabel  bool `toml:"enable_service_label" yaml:"enable_service_label" mapstructure:"enable_service_label"`

	// PrometheusRetentionTime, when positive, enables the prometheus sink
	// with the given expiration in seconds.
	PrometheusRetentionTime int64 `toml:"prometheus_retention_time" yaml:"prometheus_retention_time" mapstructure:"prometheus_retention_time"`

	// GlobalLabels defines [name, value] pairs attached to every metric.
	GlobalLabels [][]string `toml:"global_labels" yaml:"global_labels" mapstructure:"global_labels"`
}

// Label is re-exported so callers do not import the metrics backend directly.
type Label = metrics.Label

var (
	globalTelemetryEnabled bool
	globalLabels           []metrics.Label
)

// Init wires the global metrics sink: an in-memory sink for signal dumps plus
// a prometheus sink when retention is configured. It must be called once at
// startup, before any emission.
func Init(cfg Config) error {
	if !cfg.Enabled {
		globalTelemetryEnabled = false
		return nil
	}

	globalLabels = make([]metrics.Label, 0, len(cfg.GlobalLabels))
	for _, pair := range cfg.GlobalLabels {
		if len(pair) == 2 {
			globalLabels = append(globalLabels, NewLabel(pair[0], pair[1]))
		}
	}

	memSink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(memSink)

	sinks := metrics.FanoutSink{memSink}
	if cfg.PrometheusRetentionTime > 0 {
		promSink, err := metricsprom.NewPrometheusSinkFrom(metricsprom.PrometheusOpts{
			Expiration: time.Duration(cfg.PrometheusRetentionTime) * time.Second,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, promSink)
	}

	conf := metrics.DefaultConfig(cfg.ServiceName)
	conf.EnableHostname = cfg.EnableHostname
	conf.EnableHostnameLabel = cfg.EnableHostnameLabel
	conf.EnableServiceLabel = cfg.EnableServiceLabel

	if _, err := metrics.NewGlobal(conf, sinks); err != nil {
		return err
	}

	globalTelemetryEnabled = true
	return nil
}

// Enabled reports whether Init activated metric emission.
func Enabled() bool {
	return globalTelemetryEnabled
}

// NewLabel creates a new metrics label.
func NewLabel(name, value string) metrics.Label {
	return metrics.Label{Name: name, Value: value}
}

// IncrCounter increments a counter by the given value.
func IncrCounter(val float32, keys ...string) {
	if !globalTelemetryEnabled {
		return
	}
	metrics.IncrCounterWithLabels(keys, val, globalLabels)
}

// IncrCounterWithLabels increments a counter with additional labels.
func IncrCounterWithLabels(keys []string, val float32, labels []metrics.Label) {
	if !globalTelemetryEnabled {
		return
	}
	metrics.IncrCounterWithLabels(keys, val, append(labels, globalLabels...))
}

// SetGauge sets a gauge to the given value.
func SetGauge(val float32, keys ...string) {
	if !globalTelemetryEnabled {
		return
	}
	metrics.SetGaugeWithLabels(keys, val, globalLabels)
}

// SetGaugeWithLabels sets a gauge with additional labels.
func SetGaugeWithLabels(keys []string, val float32, labels []metrics.Label) {
	if !globalTelemetryEnabled {
		return
	}
	metrics.SetGaugeWithLabels(keys, val, append(labels, globalLabels...))
}

// MeasureSince records the time elapsed since start under the given key.
func MeasureSince(start time.Time, keys ...string) {
	if !globalTelemetryEnabled {
		return
	}
	metrics.MeasureSinceWithLabels(keys, start.UTC(), globalLabels)
}

// Handler serves the prometheus exposition for every metric routed through
// the prometheus sink.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
