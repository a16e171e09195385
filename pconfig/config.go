// Package pconfig holds the small set of knobs a real client needs beyond
// the three the distilled spec names (bus name, properties, flags), in
// the style of the teacher's cmn.Config / cmn/rom.go read-mostly cache.
package pconfig

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Config is passed to pctx.New. port.New does not take a Config; ports
// use the port package's own staging constants.
type Config struct {
	// BusName is the well-known session-bus name to watch; defaults to
	// "org.pinos" (spec.md §6).
	BusName string `json:"bus_name"`
	// ConnectTimeout is not read by pctx: the Context applies no timeout
	// of its own to bus RPCs. pinosctl uses it as the deadline of the
	// contexts it passes to Context.Connect and Context.Disconnect.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// DefaultStaging records the fast-path staging size in bytes. The
	// port package does not read it; ports always stage 1024 bytes.
	DefaultStaging int `json:"default_staging"`
	// MaxStagingFDs records the fast-path fd-array capacity. The port
	// package does not read it; ports always use port.MaxFDs.
	MaxStagingFDs int `json:"max_staging_fds"`
}

// Default returns the configuration used when pctx.New is given a nil
// Config.
func Default() *Config {
	return &Config{
		BusName:        "org.pinos",
		ConnectTimeout: 5 * time.Second,
		DefaultStaging: 1024,
		MaxStagingFDs:  16,
	}
}

// fillDefaults mutates a partially-populated Config, filling unset fields
// from Default() — the "always augment with a fill-defaults step"
// operation spec.md §4.1 calls for on Context.properties, generalized
// here to the whole config surface.
func (c *Config) fillDefaults() {
	d := Default()
	if c.BusName == "" {
		c.BusName = d.BusName
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DefaultStaging == 0 {
		c.DefaultStaging = d.DefaultStaging
	}
	if c.MaxStagingFDs == 0 {
		c.MaxStagingFDs = d.MaxStagingFDs
	}
}

// Normalize returns a copy of c (or Default(), if c is nil) with every
// zero-valued field filled in.
func Normalize(c *Config) *Config {
	if c == nil {
		return Default()
	}
	cp := *c
	cp.fillDefaults()
	return &cp
}

// MarshalJSON / UnmarshalJSON route through json-iterator, matching the
// teacher corpus's jsoniter usage for config-shaped types (cmn/cos/fs.go).
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return jsoniter.Marshal((*alias)(c))
}

func (c *Config) UnmarshalJSON(b []byte) error {
	type alias Config
	return jsoniter.Unmarshal(b, (*alias)(c))
}
