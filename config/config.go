// Package config holds the proxy's runtime configuration. Settings are
// loaded from environment variables and an optional config file, merged
// with the configuration fetched from the backend, and published as an
// immutable snapshot that readers pick up without locking.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Access modes for the DICOM SCP.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

// Node permissions.
const (
	PermissionNone      = "none"
	PermissionRead      = "read"
	PermissionWrite     = "write"
	PermissionReadWrite = "read_write"
)

// NodeConfig describes one configured PACS peer.
type NodeConfig struct {
	NodeID            string
	Name              string
	AETitle           string
	Host              string
	Port              int
	IsActive          bool
	Permission        string
	ConnectionTimeout time.Duration
	MaxPDUSize        uint32
	RetryCount        int
	RetryDelay        time.Duration
}

// Address returns the node's host:port dial address.
func (n *NodeConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// CanRead reports whether the node may issue query/retrieve operations.
func (n *NodeConfig) CanRead() bool {
	return n.Permission == PermissionRead || n.Permission == PermissionReadWrite
}

// CanWrite reports whether the node may store instances.
func (n *NodeConfig) CanWrite() bool {
	return n.Permission == PermissionWrite || n.Permission == PermissionReadWrite
}

// Proxy is one immutable configuration snapshot. Mutations build a new
// snapshot and swap it into the Store.
type Proxy struct {
	ProxyID     string
	WorkspaceID string

	// DICOM listener
	BindAddress string
	IPAddress   string
	Port        int
	AETitle     string

	// Behavior
	Mode                   string
	EnablePHIAnonymization bool
	AutoDispatch           bool
	CleanupAfterUpload     bool

	// Backend
	BackendURL     string
	ResolverAPIURL string
	ProxyKey       string

	// Staging
	StorageRoot  string
	ArchiveRoot  string
	StudyTimeout time.Duration

	// Upload retry budget
	MaxRetries int
	RetryDelay time.Duration

	// Node health probe cadence
	HealthInterval time.Duration

	Nodes []NodeConfig
}

// ListenAddress returns the SCP bind address.
func (p *Proxy) ListenAddress() string {
	return fmt.Sprintf("%s:%d", p.BindAddress, p.Port)
}

// FindNodeByAETitle returns configured nodes whose AE title matches,
// case-insensitively and ignoring surrounding whitespace.
func (p *Proxy) FindNodeByAETitle(aeTitle string) []NodeConfig {
	want := strings.ToUpper(strings.TrimSpace(aeTitle))
	var matches []NodeConfig
	for _, node := range p.Nodes {
		if strings.ToUpper(strings.TrimSpace(node.AETitle)) == want {
			matches = append(matches, node)
		}
	}
	return matches
}

// FindNodeByID returns the node with the given ID, or nil.
func (p *Proxy) FindNodeByID(nodeID string) *NodeConfig {
	for i := range p.Nodes {
		if p.Nodes[i].NodeID == nodeID {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Load reads configuration from environment variables and an optional
// config file. Backend-provided settings are merged later via the Store.
func Load() (*Proxy, error) {
	v := viper.New()

	v.SetDefault("bind", "0.0.0.0")
	v.SetDefault("port", 11112)
	v.SetDefault("ae_title", "PACSPROXY")
	v.SetDefault("mode", ModePublic)
	v.SetDefault("enable_phi_anonymization", true)
	v.SetDefault("auto_start", true)
	v.SetDefault("cleanup_after_upload", true)
	v.SetDefault("storage_root", "./dicom_storage")
	v.SetDefault("archive_root", "./dicom_archives")
	v.SetDefault("study_timeout", "60s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", "5s")
	v.SetDefault("health_interval", "10s")

	v.SetEnvPrefix("PROXY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// PROXY_BACKEND_URL, PROXY_KEY, PROXY_HOST_IP have no defaults
	_ = v.BindEnv("backend_url")
	_ = v.BindEnv("key")
	_ = v.BindEnv("host_ip")

	v.SetConfigName("pacsproxy")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pacsproxy")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Proxy{
		BindAddress:            v.GetString("bind"),
		IPAddress:              v.GetString("host_ip"),
		Port:                   v.GetInt("port"),
		AETitle:                v.GetString("ae_title"),
		Mode:                   v.GetString("mode"),
		EnablePHIAnonymization: v.GetBool("enable_phi_anonymization"),
		AutoDispatch:           v.GetBool("auto_start"),
		CleanupAfterUpload:     v.GetBool("cleanup_after_upload"),
		BackendURL:             v.GetString("backend_url"),
		ProxyKey:               v.GetString("key"),
		StorageRoot:            v.GetString("storage_root"),
		ArchiveRoot:            v.GetString("archive_root"),
		StudyTimeout:           v.GetDuration("study_timeout"),
		MaxRetries:             v.GetInt("max_retries"),
		RetryDelay:             v.GetDuration("retry_delay"),
		HealthInterval:         v.GetDuration("health_interval"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the snapshot against the allowed ranges.
func (p *Proxy) Validate() error {
	if p.Port < 1024 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range 1024-65535", p.Port)
	}
	if p.AETitle == "" || len(p.AETitle) > 16 {
		return fmt.Errorf("AE title %q must be 1-16 characters", p.AETitle)
	}
	if p.Mode != ModePublic && p.Mode != ModePrivate {
		return fmt.Errorf("mode %q must be %q or %q", p.Mode, ModePublic, ModePrivate)
	}
	return nil
}
