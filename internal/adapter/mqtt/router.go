package mqtt

import (
	"strings"
	"sync/atomic"

	"github.com/nexus-edge/data-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// routerIndex is an immutable routing snapshot. Exact topics resolve in
// one map lookup; wildcard patterns are scanned only when no exact match
// exists.
type routerIndex struct {
	exact     map[string]*domain.MqttDeviceConfig
	wildcards []wildcardEntry
}

type wildcardEntry struct {
	pattern string
	device  *domain.MqttDeviceConfig
}

// Router maps inbound topics to device configurations. The index is
// copy-on-write: Register builds a fresh index and publishes it
// atomically, so lookups never block reconfiguration and vice versa.
type Router struct {
	index  atomic.Pointer[routerIndex]
	logger zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	r := &Router{
		logger: logger.With().Str("component", "topic-router").Logger(),
	}
	r.index.Store(&routerIndex{exact: make(map[string]*domain.MqttDeviceConfig)})
	return r
}

// Register rebuilds the index from the given devices. Disabled devices
// are ignored; empty or duplicate patterns are skipped with a warning.
// The first device registered for a pattern wins.
func (r *Router) Register(devices []domain.MqttDeviceConfig) {
	index := &routerIndex{exact: make(map[string]*domain.MqttDeviceConfig)}
	seen := make(map[string]bool)

	for i := range devices {
		device := &devices[i]
		if !device.Enabled {
			continue
		}
		for _, pattern := range device.Topics {
			if pattern == "" {
				r.logger.Warn().
					Str("device_id", device.DeviceID).
					Msg("Skipping empty topic pattern")
				continue
			}
			if seen[pattern] {
				r.logger.Warn().
					Str("device_id", device.DeviceID).
					Str("pattern", pattern).
					Msg("Skipping duplicate topic pattern")
				continue
			}
			seen[pattern] = true

			if strings.ContainsAny(pattern, "+#") {
				index.wildcards = append(index.wildcards, wildcardEntry{pattern: pattern, device: device})
			} else {
				index.exact[pattern] = device
			}
		}
	}

	r.index.Store(index)
	r.logger.Info().
		Int("exact", len(index.exact)).
		Int("wildcards", len(index.wildcards)).
		Msg("Topic index rebuilt")
}

// FindDeviceFor returns the device whose pattern matches the topic, or
// nil. Exact matches are preferred over wildcard matches; among
// wildcards, registration order decides.
func (r *Router) FindDeviceFor(topic string) *domain.MqttDeviceConfig {
	index := r.index.Load()

	if device, ok := index.exact[topic]; ok {
		return device
	}
	for i := range index.wildcards {
		if MatchTopic(index.wildcards[i].pattern, topic) {
			return index.wildcards[i].device
		}
	}
	return nil
}

// BuildSubscriptions returns one subscription per unique topic pattern
// across the enabled devices. When devices share a pattern with
// different QoS, the highest wins.
func BuildSubscriptions(devices []domain.MqttDeviceConfig, globalQoS byte) map[string]byte {
	subs := make(map[string]byte)
	for i := range devices {
		device := &devices[i]
		if !device.Enabled {
			continue
		}
		qos := device.SubscriptionQoS(globalQoS)
		for _, pattern := range device.Topics {
			if pattern == "" {
				continue
			}
			if existing, ok := subs[pattern]; !ok || qos > existing {
				subs[pattern] = qos
			}
		}
	}
	return subs
}

// MatchTopic reports whether a topic matches an MQTT topic filter. '+'
// matches exactly one level; '#' matches zero or more trailing levels
// and must be the last segment.
func MatchTopic(pattern, topic string) bool {
	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range patternLevels {
		if level == "#" {
			return i == len(patternLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(patternLevels) == len(topicLevels)
}
