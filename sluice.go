package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/sluice/admin"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/maxpert/sluice/job"
	"github.com/maxpert/sluice/pipeline"
	"github.com/maxpert/sluice/sink"
	"github.com/maxpert/sluice/source"
	"github.com/maxpert/sluice/source/mysql"
	"github.com/maxpert/sluice/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sluice - keyed, checkpointed change data capture")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	store, err := checkpoint.Open(string(cfg.Config.Checkpoint.Store), cfg.CheckpointPath(), cfg.Config.Checkpoint.Compress)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open checkpoint store")
		return
	}
	defer store.Close()

	conn, err := openSource()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create source connector")
		return
	}
	defer conn.Close()

	out, err := sink.Open(cfg.Config.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open sink")
		return
	}
	defer out.Close()

	jobConfig, err := job.ConfigFromFile(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid job configuration")
		return
	}

	manager := job.NewManager(store)
	defer manager.Close()

	collector := telemetry.NewMetricsCollector(manager, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	if _, err := manager.Submit(job.Definition{Plan: changeLogPlan(), Source: conn, Sink: out}, jobConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to submit job")
		return
	}

	if cfg.Config.Admin.Enabled {
		server, err := admin.NewServer(admin.ServerConfig{
			Address:        net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port)),
			Secret:         cfg.Config.Admin.Secret,
			MetricsHandler: telemetry.GetMetricsHandler(),
		}, admin.NewAdminHandlers(manager))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		server.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Stop(ctx)
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("source", string(cfg.Config.Source.Type)).
		Str("sink", cfg.Config.Sink.Type).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info().Stringer("signal", sig).Msg("Shutting down")
}

func openSource() (source.Connector, error) {
	src := cfg.Config.Source
	switch src.Type {
	case cfg.SourceMySQL:
		return mysql.New(mysql.Config{
			Address:           src.Address,
			Port:              src.Port,
			User:              src.User,
			Password:          src.Password,
			ClusterName:       src.ClusterName,
			DatabaseWhitelist: src.DatabaseWhitelist,
			TableWhitelist:    src.TableWhitelist,
			ServerID:          src.ServerID,
			SchemaCacheSize:   src.SchemaCacheSize,
		})
	case cfg.SourceMemory:
		return demoSource(src.ClusterName)
	}
	return nil, fmt.Errorf("unknown source type %q", src.Type)
}

// demoSource seeds an in-memory inventory database
func demoSource(name string) (source.Connector, error) {
	conn := source.NewMemoryConnector(name)
	conn.CreateTable("inventory", "customers", "id")
	for _, row := range []cdc.RecordPart{
		{"id": 1001, "first_name": "Sally", "last_name": "Thomas", "email": "sally.thomas@acme.com"},
		{"id": 1002, "first_name": "George", "last_name": "Bailey", "email": "gbailey@foobar.com"},
		{"id": 1003, "first_name": "Edward", "last_name": "Walker", "email": "ed@walker.com"},
		{"id": 1004, "first_name": "Anne", "last_name": "Kretchmar", "email": "annek@noanswer.org"},
	} {
		if _, err := conn.Insert("inventory", "customers", row); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// changeState is the accumulator of the change log pipeline
type changeState struct {
	Changes int    `msgpack:"changes"`
	Op      string `msgpack:"op"`
}

type changeRecord struct {
	Op      string         `json:"op"`
	Changes int            `json:"changes"`
	Row     map[string]any `json:"row,omitempty"`
}

// changeLogPlan keeps the latest image of every row with its change count.
func changeLogPlan() *pipeline.Plan {
	return pipeline.New("changelog", func() changeState { return changeState{} }, foldChange)
}

// foldChange records snapshot rows as inserts. Deletes produce a nil value,
// removing the key from upserting sinks.
func foldChange(s changeState, ev cdc.ChangeEvent) (changeState, *pipeline.Output, error) {
	s.Changes++
	s.Op = ev.Operation.Effective().String()
	if ev.Operation == cdc.OpDelete {
		return s, &pipeline.Output{}, nil
	}

	value, err := json.Marshal(changeRecord{
		Op:      s.Op,
		Changes: s.Changes,
		Row:     ev.Row().ToMap(),
	})
	if err != nil {
		return s, nil, err
	}
	return s, &pipeline.Output{Value: value}, nil
}
