package bridge

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/hass"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/s0pcm-bridge/internal/meter"
)

// StateQuerier reads back sensor state from an external state store. It is
// the second recovery layer, consulted only for meters the retained-message
// sweep could not restore.
type StateQuerier interface {
	Available() bool
	NumericState(ctx context.Context, entityID string) (int64, error)
}

// recoveredMeter accumulates the retained fields seen for one identifier
// during the collection window. Fields are pointers so "absent" and "zero"
// stay distinguishable when merging.
type recoveredMeter struct {
	Total     *int64
	Today     *int64
	Yesterday *int64
}

// collector gathers retained meter messages as they arrive. Handlers run on
// the MQTT client goroutine, so all maps are guarded.
type collector struct {
	mu     sync.Mutex
	base   string
	values map[string]*recoveredMeter
	names  map[int]string
}

func newCollector(base string) *collector {
	return &collector{
		base:   base,
		values: make(map[string]*recoveredMeter),
		names:  make(map[int]string),
	}
}

// handle parses a retained message on <base>/<identifier>/<field> and files
// it under the identifier, which may be a numeric id or a meter name.
func (c *collector) handle(topic string, raw []byte) error {
	rest, ok := strings.CutPrefix(topic, c.base+"/")
	if !ok {
		return nil
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return nil
	}
	identifier, field := parts[0], parts[1]
	payload := strings.TrimSpace(string(raw))
	if payload == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if field == "name" {
		if id, err := strconv.Atoi(identifier); err == nil && meter.ValidateName(payload) == nil {
			c.names[id] = payload
		}
		return nil
	}

	value, err := parseCounter(payload)
	if err != nil {
		return nil
	}
	rec := c.values[identifier]
	if rec == nil {
		rec = &recoveredMeter{}
		c.values[identifier] = rec
	}
	switch field {
	case "total":
		rec.Total = &value
	case "today":
		rec.Today = &value
	case "yesterday":
		rec.Yesterday = &value
	}
	return nil
}

// parseCounter accepts integer payloads, tolerating a fractional suffix left
// behind by older publishers.
func parseCounter(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Recoverer restores counter state at startup. Layer one collects the
// broker's retained per-meter messages for a bounded window; layer two asks
// the external state store for any configured meter still missing a total.
// Meters unresolved after both layers start from zero.
type Recoverer struct {
	cfg    *config.Config
	engine *meter.Engine
	broker Broker
	states StateQuerier
	logger *logging.Logger
	topics mqtt.Topics
}

// NewRecoverer creates a recovery coordinator. states may be nil when no
// external state store is reachable.
func NewRecoverer(cfg *config.Config, engine *meter.Engine, broker Broker, states StateQuerier, logger *logging.Logger) *Recoverer {
	return &Recoverer{
		cfg:    cfg,
		engine: engine,
		broker: broker,
		states: states,
		logger: logger.With("component", "recovery"),
		topics: mqtt.Topics{Base: cfg.MQTT.BaseTopic},
	}
}

// Run executes both recovery layers. It never blocks past the configured
// collection window plus the state-store request timeouts, and it never
// returns an error: recovery failure degrades to zeroed state with the
// fault recorded in the error state.
func (r *Recoverer) Run(ctx context.Context) {
	collected := r.collectRetained(ctx)
	missing := r.applyCollected(collected)
	if len(missing) > 0 {
		r.queryStateStore(ctx, missing)
	}
}

// missingMeter identifies a meter layer one could not fully restore, along
// with the fields it did recover so layer two does not clobber them.
type missingMeter struct {
	ID        int
	Name      string
	Today     int64
	Yesterday int64
}

// collectRetained subscribes to the per-meter wildcard topics, waits out the
// collection window and unsubscribes. Returns nil when nothing could be
// subscribed.
func (r *Recoverer) collectRetained(ctx context.Context) *collector {
	collected := newCollector(r.cfg.MQTT.BaseTopic)
	filters := []string{
		r.topics.AllTotals(),
		r.topics.AllTodays(),
		r.topics.AllYesterdays(),
		r.topics.AllNames(),
	}

	var subscribed []string
	for _, filter := range filters {
		if err := r.broker.Subscribe(filter, byte(r.cfg.MQTT.QoS), collected.handle); err != nil {
			r.logger.Error("recovery subscription failed", "topic", filter, "error", err)
			r.engine.ReportError(meter.ErrorRecovery, "retained state collection failed: "+err.Error())
			continue
		}
		subscribed = append(subscribed, filter)
	}
	if len(subscribed) == 0 {
		return nil
	}

	wait := r.cfg.GetRecoveryWait()
	r.logger.Info("collecting retained counter state", "window", wait.String())
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	for _, filter := range subscribed {
		if err := r.broker.Unsubscribe(filter); err != nil {
			r.logger.Warn("recovery unsubscribe failed", "topic", filter, "error", err)
		}
	}
	return collected
}

// applyCollected merges the retained fields into the engine and returns the
// configured meters that still have no recovered total.
func (r *Recoverer) applyCollected(collected *collector) []missingMeter {
	var missing []missingMeter
	for _, id := range r.cfg.Meters.IDs {
		var name string
		var rec recoveredMeter
		if collected != nil {
			collected.mu.Lock()
			name = collected.names[id]
			// Values keyed by numeric id win; name-keyed values fill the
			// gaps. A meter renamed while the bridge was down leaves its
			// history under the old public topic, which we cannot match.
			merge(&rec, collected.values[strconv.Itoa(id)])
			if name != "" {
				merge(&rec, collected.values[name])
			}
			collected.mu.Unlock()
		}

		total, today, yesterday := int64(0), int64(0), int64(0)
		if rec.Total != nil {
			total = *rec.Total
		}
		if rec.Today != nil {
			today = *rec.Today
		}
		if rec.Yesterday != nil {
			yesterday = *rec.Yesterday
		}
		r.engine.Seed(id, total, today, yesterday, name)

		if rec.Total == nil {
			missing = append(missing, missingMeter{ID: id, Name: name, Today: today, Yesterday: yesterday})
		} else {
			r.logger.Info("restored counter state from retained messages",
				"meter", id, "total", total, "today", today, "yesterday", yesterday)
		}
	}
	return missing
}

func merge(dst *recoveredMeter, src *recoveredMeter) {
	if src == nil {
		return
	}
	if dst.Total == nil {
		dst.Total = src.Total
	}
	if dst.Today == nil {
		dst.Today = src.Today
	}
	if dst.Yesterday == nil {
		dst.Yesterday = src.Yesterday
	}
}

// queryStateStore is the second recovery layer: per-meter total lookups
// against the external state store. Only the lifetime total is recoverable
// there; today and yesterday keep whatever layer one found.
func (r *Recoverer) queryStateStore(ctx context.Context, missing []missingMeter) {
	if r.states == nil || !r.states.Available() {
		r.logger.Info("state store unavailable, unrecovered meters start from zero", "meters", len(missing))
		return
	}
	for _, m := range missing {
		entity := hass.TotalEntityID(r.cfg.MQTT.BaseTopic, m.ID)
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		total, err := r.states.NumericState(reqCtx, entity)
		cancel()
		if err != nil {
			if errors.Is(err, hass.ErrNotFound) || errors.Is(err, hass.ErrNoToken) {
				r.logger.Info("no state store history for meter, starting from zero", "meter", m.ID, "entity", entity)
				continue
			}
			r.logger.Error("state store query failed", "meter", m.ID, "entity", entity, "error", err)
			r.engine.ReportError(meter.ErrorRecovery, "state store query failed: "+err.Error())
			continue
		}
		r.engine.Seed(m.ID, total, m.Today, m.Yesterday, m.Name)
		r.logger.Info("restored lifetime total from state store", "meter", m.ID, "total", total)
	}
}
