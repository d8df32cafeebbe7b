package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	"deliveryd/pkg/logx"
)

// Change is one accepted config reload.
type Change struct {
	Prev, Next *Config
	// Sections lists the changed top-level sections in file order.
	Sections []string
	// Cold lists the changed sections a running process cannot apply.
	Cold []string
	// Fields describe the new values for the reload log line. Secrets are
	// reported only as set or unset.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

type section struct {
	name string
	// hot sections are re-applied in place: log sinks, alert sinks, SLA
	// thresholds and the pprof listener. Everything else is wired into
	// components at startup.
	hot    bool
	value  func(c *Config) any
	fields func(c *Config) []logx.Field
}

var sections = []section{
	{"logging", true, func(c *Config) any { return c.Logging }, func(c *Config) []logx.Field {
		return []logx.Field{logx.String("logging.level", c.Logging.Level), logx.Bool("logging.file", c.Logging.File.Enabled)}
	}},
	{"pprof", true, func(c *Config) any { return c.Pprof }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Bool("pprof.enabled", c.Pprof.Enabled), logx.String("pprof.addr", strings.TrimSpace(c.Pprof.Addr))}
	}},
	{"http", false, func(c *Config) any { return c.HTTP }, func(c *Config) []logx.Field {
		return []logx.Field{logx.String("http.addr", c.HTTP.Addr), logx.Bool("http.admin_token_set", c.HTTP.AdminToken != "")}
	}},
	{"provider", false, func(c *Config) any { return c.Provider }, func(c *Config) []logx.Field {
		return []logx.Field{
			logx.String("provider.base_url", strings.TrimSpace(c.Provider.BaseURL)),
			logx.Bool("provider.token_set", c.Provider.AccessToken != ""),
			logx.Bool("provider.secret_set", c.Provider.AppSecret != ""),
		}
	}},
	{"identities", false, func(c *Config) any { return c.Identities }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Int("identities.count", len(c.Identities))}
	}},
	{"templates", false, func(c *Config) any { return c.Templates }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Int("templates.count", len(c.Templates))}
	}},
	{"cycle", false, func(c *Config) any { return c.Cycle }, func(c *Config) []logx.Field {
		return []logx.Field{logx.String("cycle.schedule", c.Cycle.Schedule), logx.String("cycle.timezone", c.Cycle.Timezone)}
	}},
	{"rate", false, func(c *Config) any { return c.Rate }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Int("rate.global_per_second", c.Rate.GlobalPerSecond)}
	}},
	{"pools", false, func(c *Config) any { return c.Pools }, nil},
	{"retry", false, func(c *Config) any { return c.Retry }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Int("retry.max_retries", c.Retry.MaxRetries)}
	}},
	{"ingest", false, func(c *Config) any { return c.Ingest }, nil},
	{"quality", false, func(c *Config) any { return c.Quality }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Float64("quality.block_rate", c.Quality.BlockRate), logx.Float64("quality.report_rate", c.Quality.ReportRate)}
	}},
	{"sla", true, func(c *Config) any { return c.SLA }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Float64("sla.target", c.SLA.Target), logx.Float64("sla.warn", c.SLA.Warn)}
	}},
	{"alerts", true, func(c *Config) any { return c.Alerts }, nil},
	{"storage", false, func(c *Config) any { return c.Storage }, nil},
	{"redis", false, func(c *Config) any { return c.Redis }, nil},
}

// Diff compares two configs section by section. A nil config compares as empty.
func Diff(prev, next *Config) Change {
	if prev == nil {
		prev = &Config{}
	}
	if next == nil {
		next = &Config{}
	}
	ch := Change{Prev: prev, Next: next}
	for _, s := range sections {
		if reflect.DeepEqual(s.value(prev), s.value(next)) {
			continue
		}
		ch.Sections = append(ch.Sections, s.name)
		if !s.hot {
			ch.Cold = append(ch.Cold, s.name)
		}
		if s.fields != nil {
			ch.Fields = append(ch.Fields, s.fields(next)...)
		}
	}
	return ch
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
