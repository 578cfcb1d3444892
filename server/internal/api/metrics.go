package api

import (
	"log/slog"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// metrics handles GET /metrics with the Prometheus text exposition of the
// server's own counters.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	var families []*dto.MetricFamily

	is := h.deps.Ingest.Stats()
	families = append(families, labelled("buildpulse_ingest_total",
		"Ingestion attempts by outcome.", dto.MetricType_COUNTER, "outcome",
		map[string]float64{
			"accepted": float64(is.Accepted),
			"rejected": float64(is.Rejected),
			"skipped":  float64(is.Skipped),
			"failed":   float64(is.Failed),
		}))

	hs := h.deps.Hub.Stats()
	families = append(families,
		single("buildpulse_hub_subscribers", "Live hub subscriptions.", dto.MetricType_GAUGE, float64(hs.Subscribers)),
		single("buildpulse_hub_events_published_total", "Events published to the hub.", dto.MetricType_COUNTER, float64(hs.Published)),
		single("buildpulse_hub_events_delivered_total", "Events enqueued for subscribers.", dto.MetricType_COUNTER, float64(hs.Delivered)),
		single("buildpulse_hub_subscribers_dropped_total", "Subscribers dropped on queue overflow.", dto.MetricType_COUNTER, float64(hs.Dropped)),
	)

	if n, err := h.deps.Store.Count(r.Context()); err == nil {
		families = append(families,
			single("buildpulse_builds_stored", "Build records in the store.", dto.MetricType_GAUGE, float64(n)))
	} else {
		slog.Warn("api: metrics store count failed", "err", err)
	}

	if h.deps.Alerts != nil {
		as := h.deps.Alerts.Stats()
		families = append(families, labelled("buildpulse_alerts_total",
			"Failure alerts by outcome.", dto.MetricType_COUNTER, "outcome",
			map[string]float64{
				"fired":      float64(as.Fired),
				"delivered":  float64(as.Delivered),
				"failed":     float64(as.Failed),
				"suppressed": float64(as.Suppressed),
				"dropped":    float64(as.Dropped),
			}))
	}

	if h.deps.Relay != nil {
		rs := h.deps.Relay.Stats()
		families = append(families, labelled("buildpulse_relay_events_total",
			"Events relayed to Redis by outcome.", dto.MetricType_COUNTER, "outcome",
			map[string]float64{
				"published": float64(rs.Published),
				"failed":    float64(rs.Failed),
			}))
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			slog.Error("api: encode metrics", "family", mf.GetName(), "err", err)
			return
		}
	}
}

func single(name, help string, typ dto.MetricType, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   typ.Enum(),
		Metric: []*dto.Metric{metric(typ, v)},
	}
}

func labelled(name, help string, typ dto.MetricType, label string, values map[string]float64) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
	for _, k := range keys {
		m := metric(typ, values[k])
		m.Label = []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(k)}}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func metric(typ dto.MetricType, v float64) *dto.Metric {
	if typ == dto.MetricType_COUNTER {
		return &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(v)}}
	}
	return &dto.Metric{Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}
