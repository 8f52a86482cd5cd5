package mcpconn

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

type envConfig struct {
	RequestTimeout        time.Duration `env:"MCPCONN_REQUEST_TIMEOUT,default=60s"`
	HandshakeTimeout      time.Duration `env:"MCPCONN_HANDSHAKE_TIMEOUT,default=30s"`
	ProgressInterval      time.Duration `env:"MCPCONN_PROGRESS_INTERVAL,default=100ms"`
	MaxConcurrentRequests int64         `env:"MCPCONN_MAX_CONCURRENT_REQUESTS,default=0"`
	CapabilityPolicy      string        `env:"MCPCONN_CAPABILITY_POLICY,default=peer_declared"`
}

// OptionsFromEnv reads connection tunables from MCPCONN_* environment
// variables and returns them as options, suitable for prepending to
// program-supplied ones.
func OptionsFromEnv() ([]Option, error) {
	var ec envConfig
	if err := envdecode.StrictDecode(&ec); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	switch CapabilityPolicy(ec.CapabilityPolicy) {
	case CapabilityPolicyPeerDeclared, CapabilityPolicyIntersect:
	default:
		return nil, fmt.Errorf("invalid MCPCONN_CAPABILITY_POLICY %q", ec.CapabilityPolicy)
	}

	return []Option{
		WithRequestTimeout(ec.RequestTimeout),
		WithHandshakeTimeout(ec.HandshakeTimeout),
		WithProgressInterval(ec.ProgressInterval),
		WithMaxConcurrentRequests(ec.MaxConcurrentRequests),
		WithCapabilityPolicy(CapabilityPolicy(ec.CapabilityPolicy)),
	}, nil
}
