package config

import "time"

// ServerConfig configures the HTTP/SSE front-end's approval channel and
// event throttling (spec §4.H, §6.5). HTTP routing itself is out of
// scope for the core; these knobs are what the core's event fan-out and
// approval-callback plumbing read.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ApprovalTimeout bounds how long a web approval_required frame waits
	// for a REST response before auto-denying (§4.H). Default: 120s.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// MaxPendingApprovals caps the in-memory pending-approvals map so
	// disconnected clients can't grow it unbounded (§4.H). Default: 100.
	MaxPendingApprovals int `yaml:"max_pending_approvals"`

	// TokenThrottle is the minimum interval between stream_token frames
	// broadcast to non-originating SSE clients of the same conversation
	// (§4.H). Default: 100ms.
	TokenThrottle time.Duration `yaml:"token_throttle"`
}

// DefaultServerConfig matches the spec's stated defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                "127.0.0.1",
		Port:                8080,
		ApprovalTimeout:     120 * time.Second,
		MaxPendingApprovals: 100,
		TokenThrottle:       100 * time.Millisecond,
	}
}
