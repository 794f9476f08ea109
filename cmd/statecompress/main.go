package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/homeserver-ops/synapse-monitor/internal/statecompress"
)

func main() {
	cfg := statecompress.FromEnv()
	flag.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "Postgres host")
	flag.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "Postgres port")
	flag.StringVar(&cfg.DBName, "db-name", cfg.DBName, "Synapse database name")
	flag.StringVar(&cfg.DBUser, "db-user", cfg.DBUser, "Postgres user")
	flag.StringVar(&cfg.CompressorPath, "compressor", cfg.CompressorPath, "Path to the synapse state compressor binary")
	flag.StringVar(&cfg.Levels, "levels", cfg.Levels, "Compressor level sizes")
	flag.Int64Var(&cfg.MinStateGroupRows, "min-rows", cfg.MinStateGroupRows, "Minimum state group rows for a room to be compressed")
	flag.IntVar(&cfg.MaxRooms, "max-rooms", cfg.MaxRooms, "Maximum number of rooms to compress per run")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for generated SQL files")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	})
	logrus.SetOutput(os.Stdout)

	runner, err := statecompress.NewRunner(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize runner: %v", err)
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil {
		logrus.Fatalf("State compression failed: %v", err)
	}
}
