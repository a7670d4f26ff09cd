package cache

import (
	"github.com/rs/zerolog"
)

// Observer receives notifications at defined points of cache operation.
// Calls are made synchronously from the goroutine performing the operation,
// so implementations must be fast and safe for concurrent use.
type Observer interface {
	OnLookup(LookupEvent)
	OnStore(StoreEvent)
	OnEvict(EvictEvent)
	OnError(ErrorEvent)
}

// LookupEvent describes a finished lookup.
type LookupEvent struct {
	Key    string
	Status LookupStatus
	// Tier that answered; empty on a miss
	Tier string
}

// StoreEvent describes a finished store call.
type StoreEvent struct {
	Key  string
	Size int64
	// Err is nil when stored, otherwise wraps ErrNotStorable or ErrTooLarge
	Err error
}

// EvictEvent describes an entry leaving a tier under budget pressure.
type EvictEvent struct {
	Key  string
	Tier string
	// Spilled is true when the entry moved to the spill tier instead of being discarded
	Spilled bool
}

// ErrorEvent reports a non-fatal spill tier failure. The operation that hit
// it degraded to a miss or to an unspilled eviction.
type ErrorEvent struct {
	Op   string
	Key  string
	Tier string
	Err  error
}

// NopObserver ignores all events. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) OnLookup(LookupEvent) {}
func (NopObserver) OnStore(StoreEvent)   {}
func (NopObserver) OnEvict(EvictEvent)   {}
func (NopObserver) OnError(ErrorEvent)   {}

// LogObserver writes every event to a zerolog logger at debug level, errors at warn.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates an observer that logs to logger.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnLookup(e LookupEvent) {
	o.logger.Debug().
		Str("key", e.Key).
		Str("status", e.Status.String()).
		Str("tier", e.Tier).
		Msg("Cache lookup")
}

func (o *LogObserver) OnStore(e StoreEvent) {
	ev := o.logger.Debug().Str("key", e.Key).Int64("size", e.Size)
	if e.Err != nil {
		ev.Str("reason", e.Err.Error()).Msg("Response not cached")
		return
	}
	ev.Msg("Response cached")
}

func (o *LogObserver) OnEvict(e EvictEvent) {
	o.logger.Debug().
		Str("key", e.Key).
		Str("tier", e.Tier).
		Bool("spilled", e.Spilled).
		Msg("Cache entry evicted")
}

func (o *LogObserver) OnError(e ErrorEvent) {
	o.logger.Warn().
		Err(e.Err).
		Str("op", e.Op).
		Str("key", e.Key).
		Str("tier", e.Tier).
		Msg("Cache tier error")
}

// multiObserver fans events out to several observers.
type multiObserver []Observer

// Observers combines observers into one; nil entries are skipped.
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) OnLookup(e LookupEvent) {
	for _, o := range m {
		o.OnLookup(e)
	}
}

func (m multiObserver) OnStore(e StoreEvent) {
	for _, o := range m {
		o.OnStore(e)
	}
}

func (m multiObserver) OnEvict(e EvictEvent) {
	for _, o := range m {
		o.OnEvict(e)
	}
}

func (m multiObserver) OnError(e ErrorEvent) {
	for _, o := range m {
		o.OnError(e)
	}
}
