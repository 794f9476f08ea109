package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/homeserver-ops/synapse-monitor/internal/federation"
)

func main() {
	knownServersURL := flag.String("known-servers-url", os.Getenv("URL_KNOWN_FEDERATION_SERVERS"),
		"URL of the known federation servers document")
	configPath := flag.String("synapse-config", "/config/synapse.yaml", "Path to the synapse configuration file")
	interval := flag.Duration("interval", time.Hour, "How often to check for whitelist changes")
	restartLabel := flag.String("docker-restart-label", "",
		"If set, restart running containers with this label when the whitelist changes")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	})
	logrus.SetOutput(os.Stdout)

	if *knownServersURL == "" {
		logrus.Fatal("known-servers-url (or URL_KNOWN_FEDERATION_SERVERS) must be set")
	}

	var restarter federation.ContainerRestarter
	if *restartLabel != "" {
		var err error
		restarter, err = federation.NewDockerRestarter()
		if err != nil {
			logrus.Fatalf("Failed to create docker client: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloader := federation.NewReloader(*knownServersURL, *configPath, *interval, *restartLabel, restarter)
	reloader.Run(ctx)
	logrus.Info("Whitelist reloader stopped")
}
