package metrics

import (
	"fmt"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autarco"

// Collector implements prometheus.Collector over the coordinator state. Every
// scrape reads the current snapshot; nothing is cached here.
type Collector struct {
	source port.SnapshotSource

	solar    map[string]*prometheus.Desc
	inverter map[string]*prometheus.Desc

	ready               *prometheus.Desc
	stale               *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	totalFailures       *prometheus.Desc
	coalescedTicks      *prometheus.Desc
	lastSuccess         *prometheus.Desc
}

func NewCollector(source port.SnapshotSource) *Collector {
	c := &Collector{
		source:   source,
		solar:    make(map[string]*prometheus.Desc),
		inverter: make(map[string]*prometheus.Desc),
		ready: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "ready"),
			"Fresh data is available (1=yes, 0=no)",
			nil, nil,
		),
		stale: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "stale"),
			"Last snapshot is older than the stale threshold (1=yes, 0=no)",
			nil, nil,
		),
		consecutiveFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "consecutive_failures"),
			"Refreshes failed since the last success",
			nil, nil,
		),
		totalFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "failures_total"),
			"Refreshes failed since start",
			nil, nil,
		),
		coalescedTicks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "coalesced_ticks_total"),
			"Timer ticks dropped because a refresh was running",
			nil, nil,
		),
		lastSuccess: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "last_success_timestamp_seconds"),
			"Time of the last successful refresh",
			nil, nil,
		),
	}
	for _, d := range domain.SolarSensors {
		c.solar[d.Key] = prometheus.NewDesc(metricName(domain.SENSOR_PREFIX_SOLAR, d.Key, d.UnitOfMeasurement), d.Name, nil, nil)
	}
	for _, d := range domain.InverterSensors {
		c.inverter[d.Key] = prometheus.NewDesc(metricName(domain.SENSOR_PREFIX_INVERTER, d.Key, d.UnitOfMeasurement), d.Name, []string{"inverter"}, nil)
	}
	return c
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ready
	ch <- c.stale
	ch <- c.consecutiveFailures
	ch <- c.totalFailures
	ch <- c.coalescedTicks
	ch <- c.lastSuccess
	for _, d := range domain.SolarSensors {
		ch <- c.solar[d.Key]
	}
	for _, d := range domain.InverterSensors {
		ch <- c.inverter[d.Key]
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.source.Status()
	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, boolValue(status.Err() == nil))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, boolValue(status.Stale))
	ch <- prometheus.MustNewConstMetric(c.consecutiveFailures, prometheus.GaugeValue, float64(status.ConsecutiveFailures))
	ch <- prometheus.MustNewConstMetric(c.totalFailures, prometheus.CounterValue, float64(status.TotalFailures))
	ch <- prometheus.MustNewConstMetric(c.coalescedTicks, prometheus.CounterValue, float64(status.CoalescedTicks))
	if !status.LastSuccess.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(status.LastSuccess.UnixMilli())/1000)
	}

	snapshot, err := c.source.Snapshot()
	if err != nil {
		return
	}
	for _, d := range domain.SolarSensors {
		if v, ok := d.Numeric(snapshot); ok {
			ch <- prometheus.MustNewConstMetric(c.solar[d.Key], valueType(d.StateClass), v)
		}
	}
	for _, key := range domain.SortedInverterKeys(snapshot) {
		inv := snapshot.Inverters[key]
		for _, d := range domain.InverterSensors {
			if v, ok := d.Numeric(inv); ok {
				ch <- prometheus.MustNewConstMetric(c.inverter[d.Key], valueType(d.StateClass), v, key)
			}
		}
	}
}

func metricName(subsystem, key, unit string) string {
	name := prometheus.BuildFQName(namespace, subsystem, key)
	switch unit {
	case domain.UNIT_WATT:
		return name + "_watts"
	case domain.UNIT_KILO_WATT_HOUR:
		return name + "_kwh"
	case "":
		return name
	default:
		return fmt.Sprintf("%s_%s", name, unit)
	}
}

// energy totals never decrease; everything else is a gauge
func valueType(stateClass string) prometheus.ValueType {
	if stateClass == domain.STATE_CLASS_TOTAL_INCREASING {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
