// Package start contains the command that assembles and runs the
// replication daemon: one PipeLine per consumer group (debezium dialect)
// or per partition (envelope dialect), scheduled and watchdogged until the
// process is asked to stop.
package start

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hashdata/bireme/internal/catalog"
	"github.com/hashdata/bireme/internal/config"
	"github.com/hashdata/bireme/internal/dbpool"
	"github.com/hashdata/bireme/internal/load"
	"github.com/hashdata/bireme/internal/metrics"
	"github.com/hashdata/bireme/internal/pipeline"
	"github.com/hashdata/bireme/internal/scheduler"
	"github.com/hashdata/bireme/internal/source/kafka"
	"github.com/hashdata/bireme/internal/stopper"
	"github.com/hashdata/bireme/internal/transform/debezium"
	"github.com/hashdata/bireme/internal/transform/envelope"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Command returns the command that starts the server.
func Command() *cobra.Command {
	var cfg config.Config
	var tableMapPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start replicating from Kafka into the target warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tableMapPath == "" {
				return errors.New("start: --table-map is required")
			}
			if err := cfg.LoadTableMap(tableMapPath); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
				log.SetLevel(lvl)
			}
			return run(cmd.Context(), &cfg)
		},
	}

	f := cmd.Flags()
	cfg.Bind(f)
	f.StringVar(&tableMapPath, "table-map", "", "path to the source-to-target table mapping properties file")

	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	ctx := stopper.WithContext(parent)

	reg := prometheus.NewRegistry()
	stats := metrics.NewStats(reg)
	loadMetrics := load.NewMetrics(reg)

	srv := serveMetrics(cfg.MetricsAddr, reg)
	defer func() {
		_ = srv.Close()
	}()

	pool, err := dbpool.Open(ctx, cfg.TargetConnString, cfg.PoolSize)
	if err != nil {
		return errors.Wrap(err, "opening target pool")
	}
	defer pool.Close(context.Background())

	mapping, err := discoverMapping(ctx, cfg)
	if err != nil {
		return err
	}

	pipelines, err := buildPipelines(cfg, mapping, pool, loadMetrics, stats)
	if err != nil {
		return err
	}

	sched := scheduler.New(cfg.Scheduler.MaxConcurrent)
	watchdog := scheduler.NewWatchdog(cfg.Scheduler.TickInterval, cfg.Scheduler.StallTimeout)

	ctx.Go(func() error { return watchdog.Run(ctx, pipelines) })

	if cfg.StatsLogInterval > 0 {
		ctx.Go(func() error { return logStatsLoop(ctx, cfg.StatsLogInterval) })
	}

	return sched.Run(ctx, pipelines)
}

// discoverMapping opens one short-lived connection to introspect the
// target's column metadata for every mapped table, then closes it — the
// replication pool's connections are reserved for loaders.
func discoverMapping(ctx context.Context, cfg *config.Config) (*catalog.Mapping, error) {
	mapping := catalog.NewMapping(cfg.TableMap)

	conn, err := pgx.Connect(ctx, cfg.TargetConnString)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to target for catalog discovery")
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if err := catalog.Discover(ctx, conn, mapping); err != nil {
		return nil, errors.Wrap(err, "discovering target table metadata")
	}
	return mapping, nil
}

// buildPipelines constructs one PipeLine per unit of source concurrency:
// the whole consumer group under the debezium dialect (topic-per-table
// ordering is per-partition already, and the broker owns partition
// assignment), or one per partition under the envelope dialect, since that
// dialect's per-key ordering guarantee is scoped to a single partition.
func buildPipelines(
	cfg *config.Config, mapping *catalog.Mapping, pool *dbpool.Pool, loadMetrics *load.Metrics, stats *metrics.Stats,
) ([]*pipeline.PipeLine, error) {
	tables := tableSets(mapping)

	switch cfg.Dialect {
	case config.DialectDebezium:
		source, err := kafka.NewGroupConsumer(&cfg.Kafka, cfg.GroupID, cfg.Topics)
		if err != nil {
			return nil, errors.Wrap(err, "starting kafka consumer group")
		}
		t := &debezium.Transformer{SourceName: cfg.SourceName, Tables: mapping}
		p := pipeline.New(cfg.GroupID, source, t, pool, tables, cfg.RowSetThreshold, loadMetrics, stats)
		return []*pipeline.PipeLine{p}, nil

	case config.DialectEnvelope:
		store, err := kafka.NewFileOffsetStore(cfg.OffsetStorePath)
		if err != nil {
			return nil, errors.Wrap(err, "opening offset store")
		}
		t := &envelope.Transformer{Tables: mapping}

		pipelines := make([]*pipeline.PipeLine, 0, len(cfg.Partitions))
		for _, partition := range cfg.Partitions {
			source, err := kafka.NewPartitionConsumer(&cfg.Kafka, cfg.Topic, partition, store)
			if err != nil {
				return nil, errors.Wrapf(err, "starting partition consumer for %s/%d", cfg.Topic, partition)
			}
			name := pipelineName(cfg.Topic, partition)
			p := pipeline.New(name, source, t, pool, tables, cfg.RowSetThreshold, loadMetrics, stats)
			pipelines = append(pipelines, p)
		}
		return pipelines, nil

	default:
		return nil, errors.Errorf("start: unknown dialect %q", cfg.Dialect)
	}
}

func tableSets(mapping *catalog.Mapping) []pipeline.TableSet {
	names := mapping.Tables()
	tables := make([]pipeline.TableSet, 0, len(names))
	for _, mappedTable := range names {
		table, ok := mapping.Table(mappedTable)
		if !ok {
			continue
		}
		tables = append(tables, pipeline.TableSet{MappedTable: mappedTable, Table: table})
	}
	return tables
}

func pipelineName(topic string, partition int32) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}

// serveMetrics starts the prometheus /varz endpoint in the background,
// wrapped in h2c so a scraper can speak HTTP/2 without TLS. A listen
// failure is logged, not fatal: metrics are diagnostic, and a port
// conflict shouldn't take down replication.
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/varz", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: h2c.NewHandler(mux, &http2.Server{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithField("addr", addr).Warn("metrics server exited")
		}
	}()
	return srv
}

func logStatsLoop(ctx *stopper.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Stopping():
			return nil
		case <-ticker.C:
			log.Info("bireme: still running")
		}
	}
}
