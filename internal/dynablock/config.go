package dynablock

import (
	"io"
	"os"
	"strconv"
	"time"

	envparse "github.com/hashicorp/go-envparse"
)

// ReclamationMode selects how a retired Block's memory is eventually
// freed once it has no successor holding it via Previous (§4.6).
type ReclamationMode uint8

const (
	// ReclaimPreviousChain is the source's default: a retired block is
	// only freed once a same-guest_start successor inherits it via
	// Previous, or (for range-free) under the convention that the
	// caller has already serialized guest threads.
	ReclaimPreviousChain ReclamationMode = iota
	// ReclaimEpoch frees a retired block only once every tracked
	// reader has observed a later epoch (see epoch.go). This is the
	// "principled reimplementation" spec.md §9 recommends.
	ReclaimEpoch
)

// Config configures a Manager. The zero value is not valid; use
// NewConfig. All fields are set once at construction — there is no
// persisted or reloadable state (spec.md §6).
type Config struct {
	// PageSize is box64_pagesize per spec.md §6: the host's page size
	// in bytes. The Manager uses it to pick the protection a page must
	// have before dispatch (requiredProtection); PageOracle takes its
	// page size as a separate NewPageOracle argument.
	PageSize uint32

	// DynarecWait selects blocking (true) vs try-lock (false, default)
	// acquisition of the translation mutex. Mirrors BOX64ENV(dynarec_wait).
	DynarecWait bool

	// MaxInsts bounds how many guest instructions the Translator may
	// fill into a single block.
	MaxInsts int

	// HotPageThreshold/HotPageCountWindow/HotPageWindow are the
	// NewHotPages arguments for the hot-page suppression tracker (see
	// hotpages.go). The Manager does not read them; the embedder passes
	// them to NewHotPages when it builds the oracle's tracker.
	HotPageThreshold   int
	HotPageCountWindow time.Duration
	HotPageWindow      time.Duration

	// Reclamation selects the deferred-free policy (§4.6).
	Reclamation ReclamationMode
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithDynarecWait sets whether the translation mutex is acquired with
// a blocking wait instead of the default try-lock.
func WithDynarecWait(wait bool) Option {
	return func(c *Config) { c.DynarecWait = wait }
}

// WithMaxInsts bounds the instruction count the Translator may fill
// per block.
func WithMaxInsts(n int) Option {
	return func(c *Config) { c.MaxInsts = n }
}

// WithHotPages configures the hot-page suppression tracker.
func WithHotPages(threshold int, countWindow, hotWindow time.Duration) Option {
	return func(c *Config) {
		c.HotPageThreshold = threshold
		c.HotPageCountWindow = countWindow
		c.HotPageWindow = hotWindow
	}
}

// WithReclamation selects the deferred-free policy.
func WithReclamation(mode ReclamationMode) Option {
	return func(c *Config) { c.Reclamation = mode }
}

// WithPageSize overrides the host page size the Manager uses to pick
// the required dispatch protection.
func WithPageSize(n uint32) Option {
	return func(c *Config) { c.PageSize = n }
}

// NewConfig builds a Config from defaults, then applies opts in order.
// Defaults mirror box64's usual tunables: try-lock by default, 4 KiB
// pages, a generous per-block instruction cap.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		PageSize:           4096,
		DynarecWait:        false,
		MaxInsts:           4096,
		HotPageThreshold:   4,
		HotPageCountWindow: 50 * time.Millisecond,
		HotPageWindow:      200 * time.Millisecond,
		Reclamation:        ReclaimPreviousChain,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ApplyEnvFile overlays tunables from an env-file-formatted reader (the
// same KEY=VALUE shape nomad's docker driver uses for env_file), using
// github.com/hashicorp/go-envparse. Unknown keys are ignored; this is
// meant for operators overriding a handful of named knobs, not a
// general configuration surface (spec.md §6: "Runtime tuning via
// environment is delegated to the outer harness, not the core" — this
// helper exists for the harness to call, not for the Manager to call
// itself).
func (c *Config) ApplyEnvFile(r io.Reader) error {
	vars, err := envparse.Parse(r)
	if err != nil {
		return err
	}
	c.applyVars(vars)
	return nil
}

// ApplyEnviron overlays tunables from the process environment, reading
// the BOX64DBT_* variables the outer harness may have set.
func (c *Config) ApplyEnviron() {
	vars := map[string]string{}
	for _, name := range []string{
		"BOX64DBT_DYNAREC_WAIT",
		"BOX64DBT_MAX_INSTS",
		"BOX64DBT_HOT_PAGE_THRESHOLD",
	} {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	c.applyVars(vars)
}

func (c *Config) applyVars(vars map[string]string) {
	if v, ok := vars["BOX64DBT_DYNAREC_WAIT"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DynarecWait = b
		}
	}
	if v, ok := vars["BOX64DBT_MAX_INSTS"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxInsts = n
		}
	}
	if v, ok := vars["BOX64DBT_HOT_PAGE_THRESHOLD"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HotPageThreshold = n
		}
	}
}
