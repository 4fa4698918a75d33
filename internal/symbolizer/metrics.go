package symbolizer

import (
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	UnknownTraces  *prometheus.CounterVec
	ObjectLoads    *prometheus.CounterVec
	ObjectErrors   *prometheus.CounterVec
	BackendPanics  *prometheus.CounterVec
	UnknownModules prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracesym_address_cache_hits_total",
			Help: "Total number of addresses answered from the address cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracesym_address_cache_misses_total",
			Help: "Total number of addresses passed to the backend",
		}),
		UnknownTraces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracesym_unknown_traces_total",
			Help: "Total number of addresses the backend could not attribute to any function or source line",
		}, []string{"backend"}),
		ObjectLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracesym_object_loads_total",
			Help: "Total number of object files loaded, by the richest debug information found and whether it came from a separate debug file",
		}, []string{"info", "debug_file"}),
		ObjectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracesym_object_errors_total",
			Help: "Total number of errors while trying to load an object file",
		}, []string{"error"}),
		BackendPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracesym_backend_panics_total",
			Help: "Total number of panics recovered while resolving an address",
		}, []string{"backend"}),
		UnknownModules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracesym_unknown_modules_total",
			Help: "Total number of addresses not covered by any mapping in /proc/self/maps",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheHits,
			m.CacheMisses,
			m.UnknownTraces,
			m.ObjectLoads,
			m.ObjectErrors,
			m.BackendPanics,
			m.UnknownModules,
		)
	}

	return m
}

func errorType(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "ErrNotExist"
	case errors.Is(err, os.ErrPermission):
		return "ErrPermission"
	case errors.Is(err, ErrNoDebugInfo):
		return "ErrNoDebugInfo"
	case errors.Is(err, ErrObjectUnopenable):
		return "ErrObjectUnopenable"
	}
	return "Other"
}
