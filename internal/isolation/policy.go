package isolation

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/laminarhq/laminar/pkg/schema"
)

// CapabilityPolicy maps detected operations to the minimum capability that
// permits them, and capability levels to the resource limit profile a task
// runs under. The sandbox runner consults it both ways: limits are derived
// from the grant before launch, and a denied operation is resolved to the
// capability that would have allowed it when building the escalation.
type CapabilityPolicy struct {
	// DefaultCapability is required for any operation not listed.
	DefaultCapability schema.Capability `yaml:"default_capability"`
	// Operations maps operation names (net.outbound, fs.write, ...) to the
	// minimum capability that allows them.
	Operations map[string]schema.Capability `yaml:"operations"`
	// Profiles maps capability levels to resource limit profiles.
	Profiles map[schema.Capability]LimitProfile `yaml:"profiles"`
}

// LimitProfile is the YAML form of ResourceLimits. Durations are strings
// ("30s"), memory is bytes.
type LimitProfile struct {
	MaxMemoryBytes int64    `yaml:"max_memory_bytes"`
	MaxCPUPercent  int      `yaml:"max_cpu_percent"`
	Timeout        string   `yaml:"timeout"`
	AllowNetwork   bool     `yaml:"allow_network"`
	ReadOnlyPaths  []string `yaml:"read_only_paths"`
	WritablePaths  []string `yaml:"writable_paths"`
	DenyPaths      []string `yaml:"deny_paths"`
}

// Well-known operation names used in escalation requests.
const (
	OpNetOutbound = "net.outbound"
	OpFSWrite     = "fs.write"
	OpFSRead      = "fs.read"
	OpProcSpawn   = "proc.spawn"
)

// DefaultPolicy returns the built-in policy used when no policy file is
// configured: network and writes need standard, subprocess spawning needs
// elevated, reads are allowed at read_only.
func DefaultPolicy() *CapabilityPolicy {
	return &CapabilityPolicy{
		DefaultCapability: schema.CapabilityStandard,
		Operations: map[string]schema.Capability{
			OpNetOutbound: schema.CapabilityStandard,
			OpFSWrite:     schema.CapabilityStandard,
			OpFSRead:      schema.CapabilityReadOnly,
			OpProcSpawn:   schema.CapabilityElevated,
		},
		Profiles: map[schema.Capability]LimitProfile{
			schema.CapabilityReadOnly: {
				MaxMemoryBytes: 256 << 20,
				MaxCPUPercent:  50,
				Timeout:        "30s",
				AllowNetwork:   false,
			},
			schema.CapabilityStandard: {
				MaxMemoryBytes: 512 << 20,
				MaxCPUPercent:  100,
				Timeout:        "2m",
				AllowNetwork:   true,
			},
			schema.CapabilityElevated: {
				MaxMemoryBytes: 1 << 30,
				MaxCPUPercent:  200,
				Timeout:        "10m",
				AllowNetwork:   true,
			},
		},
	}
}

// ParsePolicy parses a YAML capability policy and validates its capability
// names. Fields absent from the document fall back to the default policy.
func ParsePolicy(data []byte) (*CapabilityPolicy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "capability policy: %v", err).WithCause(err)
	}
	if !schema.KnownCapability(p.DefaultCapability) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"capability policy: unknown default capability %q", p.DefaultCapability)
	}
	for op, cap := range p.Operations {
		if !schema.KnownCapability(cap) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"capability policy: operation %q maps to unknown capability %q", op, cap)
		}
	}
	for level, profile := range p.Profiles {
		if !schema.KnownCapability(level) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"capability policy: profile for unknown capability %q", level)
		}
		if profile.Timeout != "" {
			if _, err := time.ParseDuration(profile.Timeout); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"capability policy: profile %q has invalid timeout %q", level, profile.Timeout)
			}
		}
	}
	return p, nil
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(path string) (*CapabilityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "capability policy: read %s: %v", path, err).WithCause(err)
	}
	return ParsePolicy(data)
}

// RequiredFor returns the minimum capability that permits the operation.
func (p *CapabilityPolicy) RequiredFor(operation string) schema.Capability {
	if cap, ok := p.Operations[operation]; ok {
		return cap
	}
	return p.DefaultCapability
}

// LimitsFor resolves the resource limits a task granted the given capability
// runs under. Unknown grants get the most restrictive profile.
func (p *CapabilityPolicy) LimitsFor(grant schema.Capability) ResourceLimits {
	profile, ok := p.Profiles[grant]
	if !ok {
		profile, ok = p.Profiles[schema.CapabilityReadOnly]
		if !ok {
			return ResourceLimits{Timeout: 30 * time.Second}
		}
	}
	limits := ResourceLimits{
		MaxMemoryBytes: profile.MaxMemoryBytes,
		MaxCPUPercent:  profile.MaxCPUPercent,
		AllowNetwork:   profile.AllowNetwork,
		ReadOnlyPaths:  profile.ReadOnlyPaths,
		WritablePaths:  profile.WritablePaths,
		DenyPaths:      profile.DenyPaths,
	}
	if profile.Timeout != "" {
		if d, err := time.ParseDuration(profile.Timeout); err == nil {
			limits.Timeout = d
		}
	}
	return limits
}
