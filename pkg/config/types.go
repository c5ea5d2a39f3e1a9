package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/policy"
)

// Duration is a time.Duration that reads and writes Go duration strings
// ("90s", "2h").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or an integer number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", b)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Config is the orchestrator configuration.
type Config struct {
	// Driver selects the cloud backend: "aws" or the in-memory "sim".
	Driver      string             `json:"driver" validate:"oneof=sim aws"`
	Stages      []StageConfig      `json:"stages" validate:"dive"`
	Rates       map[string]float64 `json:"rates" validate:"dive,gte=0"`
	Timing      TimingConfig       `json:"timing"`
	Store       StoreConfig        `json:"store"`
	Notify      NotifyConfig       `json:"notify"`
	AWS         AWSConfig          `json:"aws"`
	Policy      PolicyConfig       `json:"policy"`
	API         APIConfig          `json:"api"`
	AutoRestart AutoRestartConfig  `json:"autorestart"`
	Telemetry   TelemetryConfig    `json:"telemetry"`
}

// StageConfig describes one deployment environment.
type StageConfig struct {
	Name  string `json:"name" validate:"required"`
	Class string `json:"class" validate:"oneof=gated ungated"`

	// RequireApproval asks for a decision on an ungated stage too; an
	// undecided request is then auto-approved when the window closes.
	RequireApproval bool `json:"require_approval"`

	Labels    map[string]string `json:"labels,omitempty"`
	Resources ResourcesConfig   `json:"resources"`
}

// Gated reports whether teardown of the stage requires approval.
func (s StageConfig) Gated() bool {
	return s.Class == policy.StageClassGated
}

// ResourcesConfig holds the identifiers of a stage's managed resources.
type ResourcesConfig struct {
	DBCluster *DBClusterConfig `json:"db_cluster,omitempty"`
	Cache     *CacheConfig     `json:"cache,omitempty"`
	Services  []ServiceConfig  `json:"services,omitempty" validate:"dive"`
	Gateway   *GatewayConfig   `json:"gateway,omitempty"`
}

type DBClusterConfig struct {
	ID string `json:"id" validate:"required"`
}

type CacheConfig struct {
	ID               string   `json:"id" validate:"required"`
	NodeType         string   `json:"node_type,omitempty"`
	Engine           string   `json:"engine,omitempty"`
	EngineVersion    string   `json:"engine_version,omitempty"`
	NumNodes         int      `json:"num_nodes,omitempty" validate:"omitempty,min=1"`
	SubnetGroup      string   `json:"subnet_group,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`
}

type ServiceConfig struct {
	Name         string `json:"name" validate:"required"`
	Cluster      string `json:"cluster" validate:"required"`
	DesiredCount int    `json:"desired_count" validate:"min=1"`
}

type GatewayConfig struct {
	Name          string   `json:"name" validate:"required"`
	SubnetID      string   `json:"subnet_id" validate:"required"`
	RouteTableIDs []string `json:"route_table_ids,omitempty"`
	AllocationIDs []string `json:"allocation_ids,omitempty"`
}

// TimingConfig holds every wait, poll and retry bound.
type TimingConfig struct {
	GracePeriod          Duration `json:"grace_period"`
	ApprovalWindow       Duration `json:"approval_window" validate:"gt=0"`
	ApprovalPollInterval Duration `json:"approval_poll_interval" validate:"gt=0"`
	SnapshotSettle       Duration `json:"snapshot_settle"`
	SnapshotTimeout      Duration `json:"snapshot_timeout" validate:"gt=0"`
	PollInterval         Duration `json:"poll_interval" validate:"gt=0"`
	RestoreTimeout       Duration `json:"restore_timeout" validate:"gt=0"`
	Stabilization        Duration `json:"stabilization"`
	AutoRestartSettle    Duration `json:"autorestart_settle"`
	AutoRestartTimeout   Duration `json:"autorestart_timeout" validate:"gt=0"`
	RetryAttempts        int      `json:"retry_attempts" validate:"min=1"`
	RetryBaseDelay       Duration `json:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay        Duration `json:"retry_max_delay" validate:"gt=0"`
}

type StoreConfig struct {
	Path          string   `json:"path" validate:"required"`
	StateTTL      Duration `json:"state_ttl" validate:"gt=0"`
	PruneInterval Duration `json:"prune_interval" validate:"gt=0"`
}

type NotifyConfig struct {
	BufferSize int            `json:"buffer_size" validate:"min=1"`
	Log        bool           `json:"log"`
	Webhook    *WebhookConfig `json:"webhook,omitempty"`
	Redis      *RedisConfig   `json:"redis,omitempty"`
	Kafka      *KafkaConfig   `json:"kafka,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type RedisConfig struct {
	URL     string `json:"url" validate:"required"`
	Channel string `json:"channel,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string   `json:"topic,omitempty"`
}

type AWSConfig struct {
	Region         string `json:"region,omitempty"`
	Profile        string `json:"profile,omitempty"`
	MaxSDKAttempts int    `json:"max_sdk_attempts" validate:"min=1"`
}

type PolicyConfig struct {
	Paths []string `json:"paths"`
	Watch bool     `json:"watch"`
}

type APIConfig struct {
	Listen    string `json:"listen" validate:"required"`
	PublicURL string `json:"public_url" validate:"required,url"`
}

// AutoRestartConfig tunes the forced-restart detector.
type AutoRestartConfig struct {
	// ClusterPattern is a regular expression with a named "stage" group,
	// used when a cluster id is not configured on any stage.
	ClusterPattern string `json:"cluster_pattern,omitempty"`

	// PlatformAgents are user agents and invokedBy values that mark an
	// event as platform initiated.
	PlatformAgents []string `json:"platform_agents"`

	Kafka *AutoRestartKafkaConfig `json:"kafka,omitempty"`
}

type AutoRestartKafkaConfig struct {
	Brokers []string `json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string   `json:"topic" validate:"required"`
	GroupID string   `json:"group_id" validate:"required"`
}

type TelemetryConfig struct {
	LogLevel    string          `json:"log_level"`
	LogFormat   string          `json:"log_format"`
	LogOutput   string          `json:"log_output"`
	LogRotation *RotationConfig `json:"log_rotation,omitempty"`
	Tracing     TracingConfig   `json:"tracing"`
	Metrics     MetricsConfig   `json:"metrics"`
}

type RotationConfig struct {
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

type TracingConfig struct {
	Exporter     string  `json:"exporter"`
	Endpoint     string  `json:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling_rate"`
	Insecure     bool    `json:"insecure"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	// Listen serves /metrics on its own address instead of the API's.
	Listen string `json:"listen,omitempty" validate:"omitempty,hostname_port"`
}

// Stage returns the named stage.
func (c *Config) Stage(name string) (*StageConfig, bool) {
	for i := range c.Stages {
		if c.Stages[i].Name == name {
			return &c.Stages[i], true
		}
	}
	return nil, false
}

// Rate returns the hourly rate configured for a resource type.
func (c *Config) Rate(t drivers.ResourceType) float64 {
	return c.Rates[string(t)]
}
