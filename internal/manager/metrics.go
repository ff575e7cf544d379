package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "didhub_tenant_activations_total",
		Help: "Tenant activation attempts by result.",
	}, []string{"result"})

	deactivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "didhub_tenant_deactivations_total",
		Help: "Tenant deactivations.",
	})

	connectionCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "didhub_connection_cache_size",
		Help: "Live per-tenant store handles.",
	})

	agentCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "didhub_agent_cache_size",
		Help: "Cached identity agents.",
	})

	providerCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "didhub_provider_cache_size",
		Help: "Cached OIDC provider instances.",
	})
)
