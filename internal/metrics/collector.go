// =============================================================================
// SCRAPE-TIME COLLECTORS
// =============================================================================
//
// The broker already knows each address's size, page count and cache
// fill. Copying those into gauges on every change would put metric writes
// on the publish path and leave stale series behind deleted addresses.
// A custom prometheus.Collector asks the broker at scrape time instead:
//
//   Prometheus ──GET /metrics──► Registry ──Collect()──► AddressSource
//                                                           │
//                                       []address.Info ◄────┘
//
// =============================================================================

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"addrbroker/internal/address"
	"addrbroker/internal/storage"
)

// AddressSource is implemented by *broker.Broker.
type AddressSource interface {
	AddressInfos() []address.Info
}

// AddressCollector exports per-address state gauges.
type AddressCollector struct {
	source AddressSource

	addresses    *prometheus.Desc
	size         *prometheus.Desc
	limitPercent *prometheus.Desc
	pages        *prometheus.Desc
	pageBytes    *prometheus.Desc
	dupCache     *prometheus.Desc
	messages     *prometheus.Desc
	routed       *prometheus.Desc
	unrouted     *prometheus.Desc
	queues       *prometheus.Desc
	paused       *prometheus.Desc
	pagingState  *prometheus.Desc
	blockedState *prometheus.Desc
}

// NewAddressCollector builds a collector over source. Register it with
// Registry.MustRegister.
func NewAddressCollector(namespace string, source AddressSource) *AddressCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "address", name),
			help, []string{"address"}, nil,
		)
	}
	addresses := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "broker", "addresses"),
		"Addresses on this node", nil, nil,
	)
	return &AddressCollector{
		source:       source,
		addresses:    addresses,
		size:         desc("size_bytes", "Bytes of in-memory messages charged to the address"),
		limitPercent: desc("limit_percent", "Address size as a percentage of its max-size-bytes"),
		pages:        desc("pages", "Page files currently held by the address"),
		pageBytes:    desc("page_size_bytes", "Configured bytes per page file"),
		dupCache:     desc("duplicate_cache_entries", "Entries in the duplicate-id cache"),
		messages:     desc("messages", "Messages held by the address's queues"),
		routed:       desc("routed_messages", "Messages routed to at least one binding since the last counter reset"),
		unrouted:     desc("unrouted_messages", "Messages that matched no binding since the last counter reset"),
		queues:       desc("queues", "Queues bound to the address"),
		paused:       desc("paused", "1 while delivery from the address is paused"),
		pagingState:  desc("paging_active", "1 while the address is paging, as seen at scrape time"),
		blockedState: desc("blocked_active", "1 while the address is blocked, as seen at scrape time"),
	}
}

func (c *AddressCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.addresses
	ch <- c.size
	ch <- c.limitPercent
	ch <- c.pages
	ch <- c.pageBytes
	ch <- c.dupCache
	ch <- c.messages
	ch <- c.routed
	ch <- c.unrouted
	ch <- c.queues
	ch <- c.paused
	ch <- c.pagingState
	ch <- c.blockedState
}

func (c *AddressCollector) Collect(ch chan<- prometheus.Metric) {
	infos := c.source.AddressInfos()
	ch <- prometheus.MustNewConstMetric(c.addresses, prometheus.GaugeValue, float64(len(infos)))

	for _, info := range infos {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, info.Address)
		}
		gauge(c.size, float64(info.AddressSize))
		gauge(c.limitPercent, float64(info.AddressLimitPercent))
		gauge(c.pages, float64(info.NumberOfPages))
		gauge(c.pageBytes, float64(info.NumberOfBytesPerPage))
		gauge(c.dupCache, float64(info.CurrentDuplicateIDCacheSize))
		gauge(c.messages, float64(info.MessageCount))
		gauge(c.routed, float64(info.RoutedMessageCount))
		gauge(c.unrouted, float64(info.UnroutedMessageCount))
		gauge(c.queues, float64(info.QueueCount))
		gauge(c.paused, boolGauge(info.Paused))
		gauge(c.pagingState, boolGauge(info.Paging))
		gauge(c.blockedState, boolGauge(info.Blocked))
	}
}

// SegmentLister is implemented by *storage.RetentionLog.
type SegmentLister interface {
	Segments(ctx context.Context) ([]storage.SegmentInfo, error)
}

// RetentionCollector exports the shape of the retention log.
type RetentionCollector struct {
	log     SegmentLister
	timeout time.Duration

	segments *prometheus.Desc
	bytes    *prometheus.Desc
	oldest   *prometheus.Desc
}

func NewRetentionCollector(namespace string, log SegmentLister) *RetentionCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "retention", name), help, nil, nil)
	}
	return &RetentionCollector{
		log:      log,
		timeout:  2 * time.Second,
		segments: desc("segments", "Sealed retention segments"),
		bytes:    desc("bytes", "Bytes held by sealed retention segments"),
		oldest:   desc("oldest_segment_timestamp_seconds", "Start time of the oldest sealed segment"),
	}
}

func (c *RetentionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.segments
	ch <- c.bytes
	ch <- c.oldest
}

func (c *RetentionCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	segs, err := c.log.Segments(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.segments, err)
		return
	}
	var total int64
	for _, s := range segs {
		total += s.Size
	}
	ch <- prometheus.MustNewConstMetric(c.segments, prometheus.GaugeValue, float64(len(segs)))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(total))
	if len(segs) > 0 {
		oldest := segs[0].Start
		for _, s := range segs[1:] {
			if s.Start.Before(oldest) {
				oldest = s.Start
			}
		}
		ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, float64(oldest.Unix()))
	}
}
