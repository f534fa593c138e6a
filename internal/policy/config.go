package policy

// Mode defines the policy engine operating mode.
type Mode string

const (
	// ModeOff disables policy evaluation entirely.
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but does not enforce them (log only).
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies.
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration.
type Config struct {
	// Enabled controls whether the policy engine is active.
	Enabled bool

	// Mode controls enforcement behavior.
	Mode Mode

	// Path to the directory containing .rego policy files.
	Path string

	// FailClosed determines behavior when policies cannot be loaded or
	// evaluated. true rejects plans on failure; false lets them through.
	FailClosed bool

	// Environment is passed to policies for environment-aware rules.
	Environment string
}

// Normalize validates the mode, defaulting unknown values to off, and
// disables the engine when the mode is off.
func (c *Config) Normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
}
