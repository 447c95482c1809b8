package service

import (
	"math"
	"sync"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// minRateSpan is the minimum window span before a rate is computed.
const minRateSpan = time.Second

// channelParams is the processing configuration resolved for one channel.
type channelParams struct {
	scale         float64
	offset        float64
	unit          string
	min           *float64
	max           *float64
	maxChangeRate *float64
	window        time.Duration
	wrap          int64
}

// sample is one rate-window entry. cumAdj is the cumulative overflow
// adjustment at insert time so that window arithmetic stays consistent
// after wraps inside the window.
type sample struct {
	ts     time.Time
	raw    int64
	cumAdj int64
}

// rateWindow is the moving window of samples for one channel.
type rateWindow struct {
	samples []sample
	cumAdj  int64
}

// Processor applies scaling, computes windowed rates with counter-wrap
// adjustment, and assigns quality. Windows are keyed by device and
// channel; unavailable readings pass through untouched and never enter a
// window.
type Processor struct {
	logger zerolog.Logger

	mu        sync.Mutex
	channels  map[domain.ChannelKey]channelParams
	perDevice map[string]channelParams
	windows   map[domain.ChannelKey]*rateWindow
	warned    map[domain.ChannelKey]bool
}

// NewProcessor creates an unconfigured processor.
func NewProcessor(logger zerolog.Logger) *Processor {
	return &Processor{
		logger:    logger.With().Str("component", "processor").Logger(),
		channels:  make(map[domain.ChannelKey]channelParams),
		perDevice: make(map[string]channelParams),
		windows:   make(map[domain.ChannelKey]*rateWindow),
		warned:    make(map[domain.ChannelKey]bool),
	}
}

// Configure registers processing parameters for the given devices.
// Modbus channels resolve by device and channel; MQTT devices resolve by
// device id alone, since their channel arrives in the payload.
func (p *Processor) Configure(devices []domain.DeviceConfig, mqttDevices []domain.MqttDeviceConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range devices {
		d := &devices[i]
		for j := range d.Channels {
			ch := &d.Channels[j]
			p.channels[domain.ChannelKey{DeviceID: d.DeviceID, Channel: ch.ChannelNumber}] = channelParams{
				scale:         ch.Scale,
				offset:        ch.Offset,
				unit:          ch.Unit,
				min:           ch.Min,
				max:           ch.Max,
				maxChangeRate: ch.MaxChangeRate,
				window:        ch.RateWindow(),
				wrap:          ch.DataType.WrapModulus(),
			}
		}
	}

	for i := range mqttDevices {
		m := &mqttDevices[i]
		wrap := int64(0)
		switch m.DataType {
		case domain.MqttDataTypeUInt32:
			wrap = 1 << 32
		case domain.MqttDataTypeUInt16:
			wrap = 1 << 16
		}
		p.perDevice[m.DeviceID] = channelParams{
			scale:  m.Scale,
			unit:   m.Unit,
			window: 60 * time.Second,
			wrap:   wrap,
		}
	}
}

// Process scales the reading, computes its windowed rate, and assigns
// quality. Unavailable readings are returned unchanged: gaps are
// recorded, never hidden, and never feed rate calculation. Readings for
// unknown channels pass through with a single warning per channel.
func (p *Processor) Process(r domain.DeviceReading) domain.DeviceReading {
	if r.Quality == domain.QualityUnavailable {
		r.Rate = nil
		return r
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	params, ok := p.lookup(r.Key())
	if !ok {
		if !p.warned[r.Key()] {
			p.warned[r.Key()] = true
			p.logger.Warn().
				Str("device_id", r.DeviceID).
				Uint8("channel", r.Channel).
				Msg("No channel configuration, passing reading through unmodified")
		}
		return r
	}

	r.ProcessedValue = float64(r.RawValue)*params.scale + params.offset
	if r.Unit == "" {
		r.Unit = params.unit
	}

	rate := p.windowRate(r.Key(), params, r.Timestamp, r.RawValue)

	switch {
	case outOfBounds(r.ProcessedValue, params.min, params.max):
		r.Quality = domain.QualityBad
		r.Rate = nil
		p.logger.Warn().
			Str("device_id", r.DeviceID).
			Uint8("channel", r.Channel).
			Float64("value", r.ProcessedValue).
			Msg("Value outside configured bounds")

	case params.maxChangeRate != nil && rate != nil && math.Abs(*rate) > *params.maxChangeRate:
		r.Quality = domain.QualityDegraded
		r.Rate = rate
		p.logger.Warn().
			Str("device_id", r.DeviceID).
			Uint8("channel", r.Channel).
			Float64("rate", *rate).
			Float64("max_change_rate", *params.maxChangeRate).
			Msg("Rate of change exceeds configured maximum")

	default:
		r.Quality = domain.QualityGood
		r.Rate = rate
	}

	return r
}

// ResetDevice drops the rate windows and warnings for all channels of a
// device. Called on device removal and restart.
func (p *Processor) ResetDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.windows {
		if key.DeviceID == deviceID {
			delete(p.windows, key)
		}
	}
	for key := range p.warned {
		if key.DeviceID == deviceID {
			delete(p.warned, key)
		}
	}
}

// lookup resolves processing parameters: exact channel first, then the
// device-wide entry used by MQTT devices.
func (p *Processor) lookup(key domain.ChannelKey) (channelParams, bool) {
	if params, ok := p.channels[key]; ok {
		return params, true
	}
	params, ok := p.perDevice[key.DeviceID]
	return params, ok
}

// windowRate inserts the sample into the channel's moving window and
// returns the rate across it, or nil when the window holds fewer than
// two samples or spans less than a second. Caller must hold the mutex.
func (p *Processor) windowRate(key domain.ChannelKey, params channelParams, ts time.Time, raw int64) *float64 {
	w, ok := p.windows[key]
	if !ok {
		w = &rateWindow{}
		p.windows[key] = w
	}

	// A decrease on a wrapping type is treated as a single wrap.
	if len(w.samples) > 0 && params.wrap > 0 {
		last := w.samples[len(w.samples)-1]
		if raw < last.raw {
			w.cumAdj += params.wrap
		}
	}

	w.samples = append(w.samples, sample{ts: ts, raw: raw, cumAdj: w.cumAdj})

	// Evict samples that fell out of the window.
	cutoff := ts.Add(-params.window)
	for len(w.samples) > 0 && w.samples[0].ts.Before(cutoff) {
		w.samples = w.samples[1:]
	}

	if len(w.samples) < 2 {
		return nil
	}

	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	span := last.ts.Sub(first.ts)
	if span < minRateSpan {
		return nil
	}

	// Offsets cancel in the difference, so scaling the raw delta yields
	// the rate in engineering units per second.
	delta := (last.raw + last.cumAdj) - (first.raw + first.cumAdj)
	rate := float64(delta) * params.scale / span.Seconds()
	return &rate
}

// SimpleRate computes the two-point rate between consecutive readings
// with single-wrap adjustment, in engineering units per second. wrap is
// the counter modulus, or 0 for non-wrapping types.
func SimpleRate(prevRaw, currRaw int64, prevTs, currTs time.Time, wrap int64, scale float64) *float64 {
	span := currTs.Sub(prevTs)
	if span <= 0 {
		return nil
	}

	delta := currRaw - prevRaw
	if wrap > 0 && currRaw < prevRaw {
		delta += wrap
	}

	rate := float64(delta) * scale / span.Seconds()
	return &rate
}

func outOfBounds(value float64, min, max *float64) bool {
	if min != nil && value < *min {
		return true
	}
	if max != nil && value > *max {
		return true
	}
	return false
}
