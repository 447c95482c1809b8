package service

import (
	"math"
	"testing"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

func floatPtr(v float64) *float64 { return &v }

func counterDevice(scale float64, min, max, maxChangeRate *float64) domain.DeviceConfig {
	return domain.DeviceConfig{
		DeviceID: "dev-1",
		IP:       "192.168.1.10",
		Port:     502,
		UnitID:   1,
		Channels: []domain.ChannelConfig{{
			ChannelNumber:     0,
			StartRegister:     0,
			RegisterCount:     2,
			RegisterType:      domain.RegisterTypeHolding,
			DataType:          domain.DataTypeUInt32Counter,
			Scale:             scale,
			Min:               min,
			Max:               max,
			MaxChangeRate:     maxChangeRate,
			RateWindowSeconds: 60,
		}},
	}
}

func newTestProcessor(t *testing.T, device domain.DeviceConfig) *Processor {
	t.Helper()
	p := NewProcessor(zerolog.Nop())
	p.Configure([]domain.DeviceConfig{device}, nil)
	return p
}

func reading(raw int64, ts time.Time) domain.DeviceReading {
	return domain.DeviceReading{
		DeviceID:  "dev-1",
		Channel:   0,
		Timestamp: ts,
		RawValue:  raw,
		Quality:   domain.QualityGood,
	}
}

func TestProcessScalesAndOffsets(t *testing.T) {
	device := counterDevice(1, nil, nil, nil)
	device.Channels[0].Scale = 0.5
	device.Channels[0].Offset = 10
	p := newTestProcessor(t, device)

	out := p.Process(reading(100, time.Now()))
	if out.ProcessedValue != 60 {
		t.Fatalf("ProcessedValue = %v, want 60", out.ProcessedValue)
	}
	if out.Quality != domain.QualityGood {
		t.Fatalf("Quality = %q, want good", out.Quality)
	}
}

func TestFirstReadingHasNoRate(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))

	out := p.Process(reading(100, time.Now()))
	if out.Rate != nil {
		t.Fatalf("Rate = %v on first reading, want nil", *out.Rate)
	}
}

func TestWindowRate(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(1000, base))
	out := p.Process(reading(1100, base.Add(10*time.Second)))

	if out.Rate == nil {
		t.Fatalf("Rate = nil, want 10")
	}
	if *out.Rate != 10 {
		t.Fatalf("Rate = %v, want 10", *out.Rate)
	}
}

func TestRateNeedsOneSecondSpan(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(1000, base))
	out := p.Process(reading(1100, base.Add(500*time.Millisecond)))
	if out.Rate != nil {
		t.Fatalf("Rate = %v with 500ms span, want nil", *out.Rate)
	}
}

func TestCounterWrapRate(t *testing.T) {
	// One wrap inside the window: 4294967290 -> 10 over 5s is 16 counts.
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(4294967290, base))
	out := p.Process(reading(10, base.Add(5*time.Second)))

	if out.Rate == nil {
		t.Fatalf("Rate = nil across counter wrap")
	}
	if *out.Rate != 3.2 {
		t.Fatalf("Rate = %v, want 3.2", *out.Rate)
	}
}

func TestUInt16WrapRateScaled(t *testing.T) {
	device := counterDevice(0.1, nil, nil, nil)
	device.Channels[0].DataType = domain.DataTypeUInt16
	device.Channels[0].RegisterCount = 1
	p := newTestProcessor(t, device)
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(65530, base))
	out := p.Process(reading(5, base.Add(2*time.Second)))

	if out.Rate == nil {
		t.Fatalf("Rate = nil across 16-bit wrap")
	}
	if math.Abs(*out.Rate-0.55) > 1e-9 {
		t.Fatalf("Rate = %v, want 0.55", *out.Rate)
	}
}

func TestWrapAdjustmentPersistsInWindow(t *testing.T) {
	// Samples after a wrap must stay comparable with samples before it.
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(4294967290, base))
	p.Process(reading(10, base.Add(5*time.Second)))
	out := p.Process(reading(26, base.Add(10*time.Second)))

	// 32 counts over 10 seconds.
	if out.Rate == nil || *out.Rate != 3.2 {
		t.Fatalf("Rate = %v, want 3.2", out.Rate)
	}
}

func TestUnavailablePassesThroughUnchanged(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(1000, base))

	r := reading(0, base.Add(5*time.Second))
	r.Quality = domain.QualityUnavailable
	out := p.Process(r)
	if out.Quality != domain.QualityUnavailable {
		t.Fatalf("Quality = %q, want unavailable", out.Quality)
	}
	if out.Rate != nil {
		t.Fatalf("Rate = %v on unavailable reading, want nil", *out.Rate)
	}
	if out.ProcessedValue != 0 {
		t.Fatalf("ProcessedValue = %v on unavailable reading, want 0", out.ProcessedValue)
	}

	// The gap must not have entered the window: the next good reading
	// still computes against the pre-gap sample.
	out = p.Process(reading(1100, base.Add(10*time.Second)))
	if out.Rate == nil || *out.Rate != 10 {
		t.Fatalf("Rate = %v after gap, want 10", out.Rate)
	}
}

func TestOutOfBoundsIsBadWithoutRate(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, floatPtr(0), floatPtr(500), nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(100, base))
	out := p.Process(reading(1000, base.Add(5*time.Second)))

	if out.Quality != domain.QualityBad {
		t.Fatalf("Quality = %q, want bad", out.Quality)
	}
	if out.Rate != nil {
		t.Fatalf("Rate = %v on bad reading, want nil", *out.Rate)
	}
	if out.ProcessedValue != 1000 {
		t.Fatalf("ProcessedValue = %v, want 1000", out.ProcessedValue)
	}
}

func TestExcessiveRateIsDegradedWithRate(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, nil, floatPtr(5)))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(0, base))
	out := p.Process(reading(100, base.Add(5*time.Second)))

	if out.Quality != domain.QualityDegraded {
		t.Fatalf("Quality = %q, want degraded", out.Quality)
	}
	if out.Rate == nil || *out.Rate != 20 {
		t.Fatalf("Rate = %v, want 20", out.Rate)
	}
}

func TestBoundsTakePrecedenceOverRate(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, floatPtr(50), floatPtr(5)))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(0, base))
	out := p.Process(reading(100, base.Add(5*time.Second)))

	if out.Quality != domain.QualityBad {
		t.Fatalf("Quality = %q, want bad", out.Quality)
	}
	if out.Rate != nil {
		t.Fatalf("Rate = %v, want nil", *out.Rate)
	}
}

func TestUnknownChannelPassesThrough(t *testing.T) {
	p := NewProcessor(zerolog.Nop())

	r := reading(100, time.Now())
	out := p.Process(r)
	if out.ProcessedValue != 0 {
		t.Fatalf("ProcessedValue = %v for unknown channel, want untouched 0", out.ProcessedValue)
	}
	if out.Quality != domain.QualityGood {
		t.Fatalf("Quality = %q, want unchanged good", out.Quality)
	}
}

func TestResetDeviceClearsWindow(t *testing.T) {
	p := newTestProcessor(t, counterDevice(1, nil, nil, nil))
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	p.Process(reading(1000, base))
	p.ResetDevice("dev-1")

	out := p.Process(reading(1100, base.Add(10*time.Second)))
	if out.Rate != nil {
		t.Fatalf("Rate = %v after reset, want nil", *out.Rate)
	}
}

func TestMqttDeviceResolvesByDeviceID(t *testing.T) {
	p := NewProcessor(zerolog.Nop())
	p.Configure(nil, []domain.MqttDeviceConfig{{
		DeviceID: "sensor-1",
		Enabled:  true,
		Format:   domain.PayloadFormatJSON,
		DataType: domain.MqttDataTypeFloat32,
		Scale:    0.001,
		Unit:     "degC",
	}})

	out := p.Process(domain.DeviceReading{
		DeviceID:  "sensor-1",
		Channel:   3,
		Timestamp: time.Now(),
		RawValue:  21500,
		Quality:   domain.QualityGood,
	})
	if out.ProcessedValue != 21.5 {
		t.Fatalf("ProcessedValue = %v, want 21.5", out.ProcessedValue)
	}
	if out.Unit != "degC" {
		t.Fatalf("Unit = %q, want degC", out.Unit)
	}
}

func TestSimpleRate(t *testing.T) {
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	rate := SimpleRate(4294967290, 10, base, base.Add(5*time.Second), 1<<32, 1)
	if rate == nil || *rate != 3.2 {
		t.Fatalf("SimpleRate = %v, want 3.2", rate)
	}

	rate = SimpleRate(65530, 5, base, base.Add(2*time.Second), 1<<16, 0.1)
	if rate == nil || math.Abs(*rate-0.55) > 1e-9 {
		t.Fatalf("SimpleRate = %v, want 0.55", rate)
	}

	if rate := SimpleRate(0, 10, base, base, 0, 1); rate != nil {
		t.Fatalf("SimpleRate with zero span = %v, want nil", *rate)
	}
}
