package quota

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sternrassler/quota-client/pkg/auth"
	"github.com/Sternrassler/quota-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus gauges for discovered quotas.
var (
	quotaHourlyLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quota_client_hourly_limit",
		Help: "Discovered hourly request limit by application",
	}, []string{"owner"})

	quotaHourlyRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quota_client_hourly_remaining_at_discovery",
		Help: "Hourly requests remaining when the quota was discovered",
	}, []string{"owner"})

	quotaSecondlyLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quota_client_secondly_limit",
		Help: "Discovered per-second request limit by application",
	}, []string{"owner"})
)

// Prober issues the discovery call.
type Prober struct {
	doer     transport.Doer
	probeURL string
	names    HeaderNames
	logger   zerolog.Logger
}

// NewProber creates a prober that calls probeURL with GET.
func NewProber(doer transport.Doer, probeURL string, names HeaderNames, logger zerolog.Logger) *Prober {
	if doer == nil {
		doer = transport.NewHTTPClient()
	}
	return &Prober{
		doer:     doer,
		probeURL: probeURL,
		names:    names.withDefaults(),
		logger:   logger,
	}
}

// Discover issues one authenticated call with tok and reads its rate-limit headers.
func (p *Prober) Discover(ctx context.Context, tok auth.Token) (Quota, error) {
	resp, err := transport.Call(ctx, p.doer, &transport.Request{
		Method: http.MethodGet,
		URL:    p.probeURL,
		Header: http.Header{
			"Authorization": {tok.Authorization()},
			"Accept":        {"application/json"},
		},
	})
	if err != nil {
		return Quota{}, &DiscoveryError{Message: "probe call failed", Err: err}
	}

	if !resp.OK() {
		p.logger.Error().
			Int("status", resp.StatusCode).
			Int("credential", tok.Index).
			Msg("Quota probe rejected")
		return Quota{}, &DiscoveryError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("probe returned %d", resp.StatusCode),
		}
	}

	q, err := FromHeaders(resp.Header, p.names)
	if err != nil {
		return Quota{}, &DiscoveryError{
			StatusCode: resp.StatusCode,
			Message:    "rate limit headers unusable",
			Err:        err,
		}
	}

	quotaHourlyLimit.WithLabelValues(q.OwnerID).Set(float64(q.HourlyLimit))
	quotaHourlyRemaining.WithLabelValues(q.OwnerID).Set(float64(q.HourlyRemaining))
	quotaSecondlyLimit.WithLabelValues(q.OwnerID).Set(float64(q.SecondlyLimit))

	p.logger.Info().
		Str("owner", q.OwnerID).
		Int("credential", tok.Index).
		Int("hourly_limit", q.HourlyLimit).
		Int("hourly_remaining", q.HourlyRemaining).
		Int("secondly_limit", q.SecondlyLimit).
		Int("secondly_remaining", q.SecondlyRemaining).
		Msg("Quota discovered")

	return q, nil
}
