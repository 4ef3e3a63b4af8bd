// Package config assembles the daemon's configuration from CLI flags plus a
// properties file giving the source-to-target table mapping, mirroring the
// split Bireme's own properties file makes between "how to run" (flags) and
// "what to replicate" (a mapping section too large to comfortably pass as
// repeated flags).
package config

import (
	"time"

	"github.com/hashdata/bireme/internal/source/kafka"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
)

// Dialect selects which upstream envelope convention a source speaks.
type Dialect string

const (
	// DialectDebezium is the topic-per-table convention (internal/transform/debezium).
	DialectDebezium Dialect = "debezium"
	// DialectEnvelope is the partitioned single-topic convention (internal/transform/envelope).
	DialectEnvelope Dialect = "envelope"
)

// Dialects lists every upstream envelope convention this build can speak,
// in the order cmd/bireme's version command should report them.
var Dialects = []Dialect{DialectDebezium, DialectEnvelope}

// LogFormats lists the logrus formatters cmd/bireme's root command accepts
// for --logFormat, in the order they should be offered in flag help and
// error messages.
var LogFormats = []string{"text", "json"}

// ValidLogFormat reports whether format is one of LogFormats.
func ValidLogFormat(format string) bool {
	for _, f := range LogFormats {
		if f == format {
			return true
		}
	}
	return false
}

// SchedulerConfig bounds how many pipelines run concurrently and how the
// watchdog judges a stall.
type SchedulerConfig struct {
	MaxConcurrent int
	TickInterval  time.Duration
	StallTimeout  time.Duration
}

// Config is the full set of knobs one bireme process needs.
type Config struct {
	Kafka           kafka.Config
	Dialect         Dialect
	SourceName      string       // connector name prefixed onto a topic's table suffix; only meaningful for DialectDebezium
	GroupID         string       // consumer group id; only meaningful for DialectDebezium
	Topics          []string     // explicit topics; only meaningful for DialectDebezium
	Topic           string       // single topic; only meaningful for DialectEnvelope
	Partitions      []int32      // partitions of Topic to consume; only meaningful for DialectEnvelope
	OffsetStorePath string       // checkpoint file for committed partition offsets; only meaningful for DialectEnvelope

	TargetConnString string
	PoolSize         int
	RowSetThreshold  int

	LogLevel         string
	MetricsAddr      string
	StatsLogInterval time.Duration

	Scheduler SchedulerConfig

	// TableMap is source-qualified-name -> target-qualified-name, loaded
	// from the properties file's [tables] section.
	TableMap map[string]string
}

// Bind registers the process's configuration flags. The properties file
// holding the [tables] map is named separately, by the start command's
// --table-map flag.
func (c *Config) Bind(f *pflag.FlagSet) {
	c.Kafka.Bind(f)

	f.StringVar((*string)(&c.Dialect), "dialect", string(DialectDebezium), "debezium (topic-per-table) or envelope (partitioned single topic)")
	f.StringVar(&c.SourceName, "source-name", "", "connector name prefixed onto a topic's table suffix (debezium dialect)")
	f.StringVar(&c.GroupID, "group", "", "Kafka consumer group id (debezium dialect)")
	f.StringArrayVar(&c.Topics, "topic", nil, "topic to consume; repeatable (debezium dialect)")
	f.StringVar(&c.Topic, "envelope-topic", "", "the single topic to consume (envelope dialect)")
	f.Int32SliceVar(&c.Partitions, "envelope-partition", nil, "partition(s) of envelope-topic to consume; one PipeLine per partition")
	f.StringVar(&c.OffsetStorePath, "envelope-offset-store", "bireme-offsets.json", "checkpoint file for committed partition offsets (envelope dialect)")

	f.StringVar(&c.TargetConnString, "target", "", "target Postgres-wire connection string")
	f.IntVar(&c.PoolSize, "pool-size", 8, "target connections per process")
	f.IntVar(&c.RowSetThreshold, "row-set-threshold", 2000, "rows per RowSet before the dispatcher closes it early")

	f.StringVar(&c.LogLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
	f.StringVar(&c.MetricsAddr, "metrics-addr", ":9120", "address to serve /varz prometheus metrics on")
	f.DurationVar(&c.StatsLogInterval, "log-stats-interval", 0, "if set, log a \"still running\" line on this interval")

	f.IntVar(&c.Scheduler.MaxConcurrent, "scheduler-max-concurrent", 8, "maximum concurrently running pipelines")
	f.DurationVar(&c.Scheduler.TickInterval, "watchdog-interval", 5*time.Second, "watchdog sampling interval")
	f.DurationVar(&c.Scheduler.StallTimeout, "watchdog-stall-timeout", 2*time.Minute, "watchdog stall timeout; 0 disables the check")
}

// LoadTableMap reads the [tables] section of an ini-style properties file
// at path into c.TableMap; every key=value pair is one source.table =
// target.table mapping.
func (c *Config) LoadTableMap(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "loading table mapping file %q", path)
	}
	section := f.Section("tables")
	keys := section.Keys()
	if len(keys) == 0 {
		return errors.Errorf("table mapping file %q has no [tables] entries", path)
	}
	c.TableMap = make(map[string]string, len(keys))
	for _, k := range keys {
		target := k.String()
		if target == "" {
			return errors.Errorf("table mapping file %q: %q has no target", path, k.Name())
		}
		c.TableMap[k.Name()] = target
	}
	return nil
}

// Validate checks that the configuration is internally consistent and fails
// fast, mirroring the Bireme properties-file constructor's eager validation.
func (c *Config) Validate() error {
	if c.TargetConnString == "" {
		return errors.New("config: --target is required")
	}
	if c.PoolSize <= 0 {
		return errors.New("config: --pool-size must be positive")
	}
	if c.RowSetThreshold <= 0 {
		return errors.New("config: --row-set-threshold must be positive")
	}
	if len(c.TableMap) == 0 {
		return errors.New("config: no table mappings loaded")
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}

	switch c.Dialect {
	case DialectDebezium:
		if c.SourceName == "" {
			return errors.New("config: --source-name is required for the debezium dialect")
		}
		if c.GroupID == "" {
			return errors.New("config: --group is required for the debezium dialect")
		}
		if len(c.Topics) == 0 {
			return errors.New("config: at least one --topic is required for the debezium dialect")
		}
	case DialectEnvelope:
		if c.Topic == "" {
			return errors.New("config: --envelope-topic is required for the envelope dialect")
		}
		if len(c.Partitions) == 0 {
			return errors.New("config: at least one --envelope-partition is required for the envelope dialect")
		}
	default:
		return errors.Errorf("config: unknown --dialect %q", c.Dialect)
	}
	return nil
}
