package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthCounts are the device and gateway figures in a health message.
type HealthCounts struct {
	DevicesManaged     int
	DevicesReachable   int
	GatewaysConfigured int
	GatewaysConnected  int
}

// HealthPublisher publishes health messages. *mqtt.Client implements it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporter publishes the bridge health to miio/health at a fixed
// interval.
//
// Thread Safety: All methods are safe for concurrent use.
type HealthReporter struct {
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	counts    func() HealthCounts
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Version string

	// Interval defaults to DefaultHealthInterval.
	Interval  time.Duration
	Publisher HealthPublisher

	// Counts is called for every report.
	Counts func() HealthCounts

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger Logger
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	counts := cfg.Counts
	if counts == nil {
		counts = func() HealthCounts { return HealthCounts{} }
	}
	return &HealthReporter{
		version:   cfg.Version,
		startTime: now(),
		interval:  interval,
		publisher: cfg.Publisher,
		counts:    counts,
		now:       now,
		done:      make(chan struct{}),
		logger:    cfg.Logger,
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status. Safe to
// call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		//nolint:errcheck // best effort during shutdown
		h.publish(h.message(HealthStopping, ""))
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(h.message(HealthStarting, "bridge starting"))
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.Current())
}

// Current builds the health message for the current state.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	return h.message(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	c := h.counts()
	if c.DevicesReachable < c.DevicesManaged {
		return HealthDegraded, fmt.Sprintf("%d of %d devices unreachable",
			c.DevicesManaged-c.DevicesReachable, c.DevicesManaged)
	}
	if c.GatewaysConnected < c.GatewaysConfigured {
		return HealthDegraded, fmt.Sprintf("%d of %d gateways not connected",
			c.GatewaysConfigured-c.GatewaysConnected, c.GatewaysConfigured)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus, reason string) HealthMessage {
	c := h.counts()
	now := h.now()
	return HealthMessage{
		Status:             status,
		Reason:             reason,
		Version:            h.version,
		Timestamp:          now.UTC(),
		UptimeSeconds:      int64(now.Sub(h.startTime).Seconds()),
		MQTTConnected:      h.publisher != nil && h.publisher.IsConnected(),
		DevicesManaged:     c.DevicesManaged,
		DevicesReachable:   c.DevicesReachable,
		GatewaysConfigured: c.GatewaysConfigured,
		GatewaysConnected:  c.GatewaysConnected,
	}
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	if h.logger != nil {
		h.logger.Error(msg, "error", err)
	}
}
