package broker

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/axmq/ax/hook"
	"github.com/axmq/ax/session"
)

// Config is the broker-level tunable surface: the shape the core accepts.
// LoadConfig below reads it from a YAML file on disk.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// ReceiveMaximum is advertised to clients in CONNACK's ReceiveMaximum
	// property. The broker does not itself count or limit a session's
	// in-flight QoS>=1 publishes against it.
	ReceiveMaximum uint16 `yaml:"receive_maximum"`

	// MaximumQoS is the broker-wide cap advertised in CONNACK and applied
	// when computing per-subscriber delivery QoS.
	MaximumQoS byte `yaml:"maximum_qos"`

	// OutboundQueueDepth bounds each session's outbound queue.
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`

	// BackpressurePolicy is one of "drop_oldest_qos0" or
	// "disconnect_on_quota_exceeded".
	BackpressurePolicy string `yaml:"backpressure_policy"`

	// GracefulShutdownTimeout bounds how long a broker shutdown waits for
	// each session's outbound queue to drain before forcing the socket
	// closed.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// SessionExpiryCheckInterval is how often the session manager scans
	// for expired sessions and delayed wills.
	SessionExpiryCheckInterval time.Duration `yaml:"session_expiry_check_interval"`

	// BasicAuthUsers, when non-empty, installs a hook.BasicAuthHook that
	// rejects any CONNECT whose username isn't a key here with a matching
	// password. Auth policy itself (who gets which user) stays a
	// deployment concern; this only wires the mechanism.
	BasicAuthUsers map[string]string `yaml:"basic_auth_users"`

	// PublishRateLimit and PublishRateLimitWindow, when both set, install a
	// hook.RateLimitHook capping each client_id's PUBLISH rate.
	PublishRateLimit       int           `yaml:"publish_rate_limit"`
	PublishRateLimitWindow time.Duration `yaml:"publish_rate_limit_window"`
}

// BuildHooks assembles a hook.Manager from the config's optional
// auth/rate-limit settings. Returns an empty Manager (never nil) when
// neither is configured.
func (c Config) BuildHooks() (*hook.Manager, error) {
	m := hook.NewManager()

	if len(c.BasicAuthUsers) > 0 {
		auth := hook.NewBasicAuthHook()
		auth.LoadUsers(c.BasicAuthUsers)
		if err := m.Add(auth); err != nil {
			return nil, errors.Wrap(err, "broker: add basic auth hook")
		}
	}

	if c.PublishRateLimit > 0 && c.PublishRateLimitWindow > 0 {
		if err := m.Add(hook.NewRateLimitHook(c.PublishRateLimit, c.PublishRateLimitWindow)); err != nil {
			return nil, errors.Wrap(err, "broker: add rate limit hook")
		}
	}

	return m, nil
}

// DefaultConfig returns the broker's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		ListenAddr:                 ":1883",
		ReceiveMaximum:             65535,
		MaximumQoS:                 2,
		OutboundQueueDepth:         session.DefaultOutboundQueueDepth,
		BackpressurePolicy:         "drop_oldest_qos0",
		GracefulShutdownTimeout:    30 * time.Second,
		SessionExpiryCheckInterval: 30 * time.Second,
	}
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "broker: read config %q", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "broker: parse config %q", path)
	}

	return cfg, nil
}

// Policy translates the config's string policy name into the session
// package's BackpressurePolicy enum, defaulting to DropOldestQoS0 for an
// empty or unrecognized value.
func (c Config) Policy() session.BackpressurePolicy {
	if c.BackpressurePolicy == "disconnect_on_quota_exceeded" {
		return session.DisconnectOnQuotaExceeded
	}
	return session.DropOldestQoS0
}
