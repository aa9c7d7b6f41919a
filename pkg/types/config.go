package types

import (
	"fmt"
	"time"
)

// Default collection names for the control-plane state store.
const (
	DefaultServicesStoreKey = "services"
	DefaultTasksStoreKey    = "tasks"
	DefaultSessionStoreKey  = "sessions"

	// DefaultTopicNamespace keeps topic names compatible with existing
	// deployments sharing a broker.
	DefaultTopicNamespace = "llama_deploy"
)

// ControlPlaneConfig is the control plane's public configuration. It is
// returned to workflow services on registration so both sides agree on the
// topic namespace and store keys. StepInterval is in seconds.
type ControlPlaneConfig struct {
	Host             string   `json:"host" mapstructure:"host"`
	Port             int      `json:"port" mapstructure:"port"`
	InternalHost     string   `json:"internal_host,omitempty" mapstructure:"internal_host"`
	InternalPort     int      `json:"internal_port,omitempty" mapstructure:"internal_port"`
	TopicNamespace   string   `json:"topic_namespace" mapstructure:"topic_namespace"`
	CORSOrigins      []string `json:"cors_origins,omitempty" mapstructure:"cors_origins"`
	StateStoreURI    string   `json:"state_store_uri,omitempty" mapstructure:"state_store_uri"`
	ServicesStoreKey string   `json:"services_store_key" mapstructure:"services_store_key"`
	TasksStoreKey    string   `json:"tasks_store_key" mapstructure:"tasks_store_key"`
	SessionStoreKey  string   `json:"session_store_key" mapstructure:"session_store_key"`
	StepInterval     float64  `json:"step_interval" mapstructure:"step_interval"`
	Running          bool     `json:"running" mapstructure:"running"`
}

// DefaultControlPlaneConfig returns the configuration used when nothing is
// set explicitly.
func DefaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		Host:             "127.0.0.1",
		Port:             8000,
		TopicNamespace:   DefaultTopicNamespace,
		ServicesStoreKey: DefaultServicesStoreKey,
		TasksStoreKey:    DefaultTasksStoreKey,
		SessionStoreKey:  DefaultSessionStoreKey,
		StepInterval:     0.1,
		Running:          true,
	}
}

// URL returns the external base URL of the control plane.
func (c ControlPlaneConfig) URL() string {
	return urlFor(c.Host, c.Port)
}

// InternalURL returns the internal base URL, falling back to the external
// pair when the internal one is not set.
func (c ControlPlaneConfig) InternalURL() string {
	if c.InternalHost != "" {
		port := c.InternalPort
		if port == 0 {
			port = c.Port
		}
		return urlFor(c.InternalHost, port)
	}
	return c.URL()
}

// StepIntervalDuration returns the stream poll interval as a time.Duration.
func (c ControlPlaneConfig) StepIntervalDuration() time.Duration {
	return time.Duration(c.StepInterval * float64(time.Second))
}

// Topic returns the fully qualified topic for a message type, prefixed with
// the namespace.
func (c ControlPlaneConfig) Topic(msgType string) string {
	return c.TopicNamespace + "." + msgType
}

func urlFor(host string, port int) string {
	if port == 0 {
		return "http://" + host
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}
