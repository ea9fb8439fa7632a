package prom

import (
	"errors"
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemCampaign = "campaign"
	SystemIngest   = "ingest"
	SystemAI       = "ai"
	SystemQueue    = "queue"
)

const (
	MetricDeliveriesTotal       = "deliveries_total"
	MetricDeliveryDuration      = "delivery_duration_seconds"
	MetricRunsTotal             = "runs_total"
	MetricRunsInFlight          = "runs_in_flight"
	MetricGenerationsTotal      = "generations_total"
	MetricQueueJobsTotal        = "jobs_total"
	MetricProviderHealthy       = "provider_healthy"
	MetricGenerationDuration    = "generation_duration_seconds"
	MetricRowsRejected          = "rows_rejected_total"
	MetricRecipientsAdded       = "recipients_added_total"
	MetricDeliveryOutcomeLabel  = "outcome"
	MetricRunResultLabel        = "result"
	MetricProviderLabel         = "provider"
	MetricIngestSourceLabel     = "source"
	MetricGenerationResultLabel = "result"
)

const (
	TypeCounterVec   = "counterVec"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

var (
	mu                  sync.RWMutex
	namespace           = "none"
	defaultLabels       prometheus.Labels
	MetricSystemEnabled = false

	counterVecs   = make(map[string]*prometheus.CounterVec)
	gaugeVecs     = make(map[string]*prometheus.GaugeVec)
	histogramVecs = make(map[string]*prometheus.HistogramVec)
)

// Create registers every metric the services emit. Until it is called the
// helpers below are no-ops, so packages can record metrics unconditionally.
func Create(host string, env string, nameSpace string) error {
	mu.Lock()
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	mu.Unlock()

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(CreateMetric(TypeCounterVec, SystemCampaign, MetricDeliveriesTotal, MetricDeliveryOutcomeLabel))
	hasError(CreateMetric(TypeHistogramVec, SystemCampaign, MetricDeliveryDuration, MetricDeliveryOutcomeLabel))
	hasError(CreateMetric(TypeCounterVec, SystemCampaign, MetricRunsTotal, MetricRunResultLabel))
	hasError(CreateMetric(TypeGaugeVec, SystemCampaign, MetricRunsInFlight))
	hasError(CreateMetric(TypeGaugeVec, SystemCampaign, MetricProviderHealthy, MetricProviderLabel))
	hasError(CreateMetric(TypeCounterVec, SystemIngest, MetricRecipientsAdded, MetricIngestSourceLabel))
	hasError(CreateMetric(TypeCounterVec, SystemIngest, MetricRowsRejected, MetricIngestSourceLabel))
	hasError(CreateMetric(TypeCounterVec, SystemAI, MetricGenerationsTotal, MetricGenerationResultLabel))
	hasError(CreateMetric(TypeHistogramVec, SystemAI, MetricGenerationDuration))
	hasError(CreateMetric(TypeCounterVec, SystemQueue, MetricQueueJobsTotal, MetricRunResultLabel))

	mu.Lock()
	MetricSystemEnabled = err == nil
	mu.Unlock()
	return err
}

func CreateMetric(metricType, subsystem, name string, labels ...string) error {
	mu.Lock()
	defer mu.Unlock()

	key := subsystem + name
	var c prometheus.Collector
	switch metricType {
	case TypeCounterVec:
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
		}, labels)
		counterVecs[key], c = v, v
	case TypeHistogramVec:
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
			Buckets: prometheus.DefBuckets,
		}, labels)
		histogramVecs[key], c = v, v
	case TypeGaugeVec:
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
		}, labels)
		gaugeVecs[key], c = v, v
	default:
		return fmt.Errorf("metric type %s is not defined", metricType)
	}

	err := prometheus.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Handler serves the default registry.
func Handler() xhttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}

// NewServer returns a metrics-only server exposing the registry on url.
func NewServer(url string) *xhttp.Engine {
	s := xhttp.CreateServer()
	s.GET(url, Handler())
	return s
}

// ListenAndServer exposes the default registry on addr+url. It blocks.
func ListenAndServer(addr string, url string) error {
	logger.Info("[metrics-server] listening...", "addr", addr, "url", url)
	return NewServer(url).ListenAndServe(addr)
}

func enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return MetricSystemEnabled
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !enabled() {
		return
	}
	mu.RLock()
	v, ok := counterVecs[subsystem+name]
	mu.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Add(num)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !enabled() {
		return
	}
	mu.RLock()
	v, ok := gaugeVecs[subsystem+name]
	mu.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Add(num)
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !enabled() {
		return
	}
	mu.RLock()
	v, ok := gaugeVecs[subsystem+name]
	mu.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Set(num)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !enabled() {
		return
	}
	mu.RLock()
	v, ok := histogramVecs[subsystem+name]
	mu.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Observe(number)
}

func ObserveDelivery(outcome string, seconds float64) {
	IncCounterVec(SystemCampaign, MetricDeliveriesTotal, outcome)
	AddHistogramVec(SystemCampaign, MetricDeliveryDuration, seconds, outcome)
}

func ObserveRun(result string) {
	IncCounterVec(SystemCampaign, MetricRunsTotal, result)
}

func RunStarted() {
	AddGaugeVec(SystemCampaign, MetricRunsInFlight, 1)
}

func RunFinished() {
	AddGaugeVec(SystemCampaign, MetricRunsInFlight, -1)
}

func SetProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	SetGaugeVec(SystemCampaign, MetricProviderHealthy, v, provider)
}

func ObserveIngest(source string, added, rejected int) {
	AddCounterVec(SystemIngest, MetricRecipientsAdded, float64(added), source)
	AddCounterVec(SystemIngest, MetricRowsRejected, float64(rejected), source)
}

func ObserveGeneration(result string, seconds float64) {
	IncCounterVec(SystemAI, MetricGenerationsTotal, result)
	AddHistogramVec(SystemAI, MetricGenerationDuration, seconds)
}

func ObserveQueueJob(result string) {
	IncCounterVec(SystemQueue, MetricQueueJobsTotal, result)
}
