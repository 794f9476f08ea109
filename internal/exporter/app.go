// Package exporter polls the queries held in the registry against the
// configured Postgres connections and republishes the results as
// Prometheus samples.
package exporter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/fsnotify/fsnotify"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/homeserver-ops/synapse-monitor/internal/config"
	"github.com/homeserver-ops/synapse-monitor/internal/db"
	"github.com/homeserver-ops/synapse-monitor/internal/registry"
	"github.com/homeserver-ops/synapse-monitor/internal/utils"
)

const maxDLQRetries = 5

type QueryJob struct {
	Query      registry.QueryDefinition
	Connection config.Connection
	Context    context.Context `json:"-"`
	RetryCount int
}

type scheduledJob struct {
	job     QueryJob
	nextRun time.Time
}

// dbQueryClient is the slice of db.Client the runtime depends on.
type dbQueryClient interface {
	ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error)
	Ping() error
	Close()
}

type Application struct {
	config     config.Config
	queries    *registry.Registry
	dbClients  map[string]dbQueryClient
	workerPool chan QueryJob
	dlq        *DeadLetterQueue
	snapshots  *snapshotStore
	jobs       []scheduledJob
	shutdown   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	server     *http.Server
}

func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %v", err)
	}

	utils.SetLogLevel(cfg.GlobalConfig.LogLevel)

	// A malformed registry is fatal: the exporter must not run with an
	// ambiguous metric schema.
	queries, err := registry.LoadFile(cfg.GlobalConfig.QueriesFile)
	if err != nil {
		return nil, fmt.Errorf("loading queries: %v", err)
	}

	app := &Application{
		config:     cfg,
		queries:    queries,
		dbClients:  make(map[string]dbQueryClient),
		workerPool: make(chan QueryJob, cfg.GlobalConfig.WorkerPoolSize),
		dlq:        NewDeadLetterQueue(cfg.GlobalConfig.LogPath),
		snapshots:  newSnapshotStore(),
		shutdown:   make(chan struct{}),
	}

	for _, conn := range cfg.Connections {
		client, err := db.NewClient(conn)
		if err != nil {
			return nil, fmt.Errorf("initializing DB client for %s: %v", conn.DBName, err)
		}
		app.dbClients[conn.DBName] = client
	}

	cbConfig := cfg.GlobalConfig.CircuitBreakerConfig
	for _, conn := range cfg.Connections {
		hystrix.ConfigureCommand(commandName(conn.DBName), hystrix.CommandConfig{
			Timeout:                cbConfig.Timeout,
			MaxConcurrentRequests:  cbConfig.MaxConcurrent,
			ErrorPercentThreshold:  cbConfig.ErrorPercent,
			SleepWindow:            cbConfig.SleepWindow,
			RequestVolumeThreshold: 5,
		})
	}

	if err := prometheus.Register(app.snapshots); err != nil {
		return nil, fmt.Errorf("registering snapshot collector: %v", err)
	}

	app.rebuildJobs()

	for i := 0; i < cfg.GlobalConfig.WorkerPoolSize; i++ {
		app.wg.Add(1)
		go app.worker()
	}

	go app.scheduleQueries()
	app.server = app.startHTTPServer()
	app.dlq.ProcessRetries(app)

	go app.watchFiles(configFile, cfg.GlobalConfig.QueriesFile)
	go app.watchCertificates()

	return app, nil
}

func commandName(dbName string) string {
	return "db:" + dbName
}

func snapshotKey(queryName, dbName string) string {
	return queryName + "|" + dbName
}

func (app *Application) worker() {
	defer app.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Worker recovered from panic: %v", r)
		}
	}()
	for {
		select {
		case job := <-app.workerPool:
			app.executeQuery(job)
		case <-app.shutdown:
			return
		}
	}
}

func (app *Application) executeQuery(job QueryJob) {
	correlationID := fmt.Sprintf("%d", time.Now().UnixNano())
	logger := logrus.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"query":          job.Query.Name,
		"db_name":        job.Connection.DBName,
	})

	app.mu.Lock()
	client := app.dbClients[job.Connection.DBName]
	retryInterval := app.config.GlobalConfig.RetryConnInterval
	queryTimeout := app.config.GlobalConfig.QueryTimeout
	app.mu.Unlock()
	if client == nil {
		logger.Error("No DB client for connection")
		return
	}

	jobCtx := job.Context
	if jobCtx == nil {
		jobCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(jobCtx, time.Duration(queryTimeout)*time.Second)
	defer cancel()

	cmd := commandName(job.Connection.DBName)
	start := time.Now()
	maxRetries := 3
	var rows []map[string]interface{}
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if circuit, _, cerr := hystrix.GetCircuit(cmd); cerr == nil && circuit.IsOpen() {
			circuitBreakerState.WithLabelValues(job.Connection.DBName).Set(1)
			app.dlq.Add(job)
			logger.Warn("Circuit breaker open, query sent to dead letter queue")
			return
		}
		circuitBreakerState.WithLabelValues(job.Connection.DBName).Set(0)

		// Each attempt keeps its own result: a run abandoned by the
		// breaker timeout may still finish later, and must not write
		// into a slot a newer attempt shares.
		var attemptRows []map[string]interface{}
		err = hystrix.Do(cmd, func() error {
			r, qerr := client.ExecuteQuery(ctx, job.Query.Query)
			if qerr != nil {
				return qerr
			}
			attemptRows = r
			return nil
		}, nil)
		if err == nil {
			rows = attemptRows
			break
		}

		retryAttempts.WithLabelValues(job.Query.Name, job.Connection.DBName).Inc()
		logger.WithField("attempt", attempt).Warnf("Query failed: %v", err)
		if attempt < maxRetries {
			time.Sleep(time.Duration(retryInterval) * time.Second * time.Duration(attempt))
		}
	}

	if err != nil {
		app.dlq.Add(job)
		errorCounter.WithLabelValues(job.Query.Name, job.Connection.DBName).Inc()
		logger.Error("Query failed after max retries, sent to dead letter queue")
		return
	}

	queryLatencyHist.WithLabelValues(job.Query.Name, job.Connection.DBName).Observe(time.Since(start).Seconds())

	constLabels := utils.MergeLabels(map[string]string{"db_name": job.Connection.DBName}, job.Connection.ExtraLabels)
	samples := decodeSamples(job.Query, rows, constLabels, func(column string) {
		schemaMismatchCounter.WithLabelValues(job.Query.Name, job.Connection.DBName, column).Inc()
		logger.Errorf("Column %s mapped in query %s is absent from the result set", column, job.Query.Name)
	})
	app.snapshots.set(snapshotKey(job.Query.Name, job.Connection.DBName), samples)
}

func (app *Application) rebuildJobs() {
	app.mu.Lock()
	defer app.mu.Unlock()

	now := time.Now()
	app.jobs = app.jobs[:0]
	for _, def := range app.queries.All() {
		for _, conn := range app.config.Connections {
			app.jobs = append(app.jobs, scheduledJob{
				job:     QueryJob{Query: def, Connection: conn, Context: context.Background()},
				nextRun: now,
			})
		}
	}
}

// pollInterval reads the current poll interval; a config hot reload
// takes effect on the next scheduler tick.
func (app *Application) pollInterval() time.Duration {
	app.mu.Lock()
	defer app.mu.Unlock()
	return time.Duration(app.config.GlobalConfig.DefaultTimeInterval) * time.Second
}

func (app *Application) scheduleQueries() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			interval := app.pollInterval()
			app.mu.Lock()
			for i := range app.jobs {
				if now.After(app.jobs[i].nextRun) {
					select {
					case app.workerPool <- app.jobs[i].job:
						app.jobs[i].nextRun = now.Add(interval)
					default:
						logrus.Warnf("Worker pool full, skipping cycle for query %s", app.jobs[i].job.Query.Name)
					}
					workerQueueGauge.Set(float64(len(app.workerPool)))
				}
			}
			app.mu.Unlock()
		case <-app.shutdown:
			return
		}
	}
}

func (app *Application) metricsHandler() http.HandlerFunc {
	rateLimiter := ratelimit.NewBucketWithRate(
		float64(app.config.GlobalConfig.RateLimitRequests),
		int64(app.config.GlobalConfig.RateLimitBurst),
	)

	inner := http.Handler(promhttp.Handler())
	if app.config.BasicAuth.Username != "" {
		inner = utils.BasicAuthHandler(app.config.BasicAuth.Username, app.config.BasicAuth.Password, inner)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if rateLimiter.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		inner.ServeHTTP(w, r)
	}
}

func (app *Application) startHTTPServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metricsHandler())
	mux.HandleFunc("/health", app.healthHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.GlobalConfig.Port),
		Handler: mux,
	}

	if app.config.GlobalConfig.UseHTTPS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}

		cert, err := tls.LoadX509KeyPair(app.config.GlobalConfig.CertFile, app.config.GlobalConfig.KeyFile)
		if err != nil {
			logrus.Fatalf("Failed to load server certificate: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}

		if app.config.GlobalConfig.PrometheusMTLSEnabled {
			caCert, err := os.ReadFile(app.config.GlobalConfig.PrometheusClientCACert)
			if err != nil {
				logrus.Fatalf("Failed to read Prometheus CA cert: %v", err)
			}
			caCertPool := x509.NewCertPool()
			caCertPool.AppendCertsFromPEM(caCert)
			tlsConfig.ClientCAs = caCertPool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}

		server.TLSConfig = tlsConfig
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("HTTPS server failed: %v", err)
			}
		}()
	} else {
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}
	return server
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Databases       map[string]string `json:"databases"`
		Queries         int               `json:"queries"`
		WorkerPool      int               `json:"worker_pool"`
		CircuitBreakers map[string]string `json:"circuit_breakers"`
	}{
		Databases:       make(map[string]string),
		CircuitBreakers: make(map[string]string),
	}

	app.mu.Lock()
	status.Queries = app.queries.Len()
	clients := make(map[string]dbQueryClient, len(app.dbClients))
	for name, client := range app.dbClients {
		clients[name] = client
	}
	app.mu.Unlock()

	for name, client := range clients {
		status.Databases[name] = "healthy"
		if err := client.Ping(); err != nil {
			status.Databases[name] = fmt.Sprintf("unhealthy: %v", err)
		}
		state := "closed"
		if circuit, _, err := hystrix.GetCircuit(commandName(name)); err == nil && circuit.IsOpen() {
			state = "open"
		}
		status.CircuitBreakers[name] = state
	}
	status.WorkerPool = len(app.workerPool)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logrus.Errorf("Failed to encode health response: %v", err)
	}
}

func (app *Application) Shutdown() {
	close(app.shutdown)
	app.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(app.config.GlobalConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	app.mu.Lock()
	for _, client := range app.dbClients {
		client.Close()
	}
	app.mu.Unlock()
}

func (app *Application) watchFiles(configFile, queriesFile string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Errorf("Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	for _, file := range []string{configFile, queriesFile} {
		if err := watcher.Add(file); err != nil {
			logrus.Errorf("Failed to watch %s: %v", file, err)
		}
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch event.Name {
			case queriesFile:
				app.reloadQueries(queriesFile)
			case configFile:
				app.reloadConfig(configFile)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("File watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}

// certFiles collects every TLS file the process depends on, for the
// certificate watcher. Empty paths are skipped.
func (app *Application) certFiles() []string {
	app.mu.Lock()
	defer app.mu.Unlock()

	set := make(map[string]struct{})
	add := func(path string) {
		if path != "" {
			set[path] = struct{}{}
		}
	}
	for _, conn := range app.config.Connections {
		add(conn.TLSCertFile)
		add(conn.TLSKeyFile)
		add(conn.TLSCACertFile)
	}
	add(app.config.GlobalConfig.CertFile)
	add(app.config.GlobalConfig.KeyFile)
	add(app.config.GlobalConfig.PrometheusClientCACert)

	files := make([]string, 0, len(set))
	for file := range set {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

func (app *Application) watchCertificates() {
	files := app.certFiles()
	if len(files) == 0 {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Errorf("Failed to create certificate watcher: %v", err)
		return
	}
	defer watcher.Close()

	for _, file := range files {
		if err := watcher.Add(file); err != nil {
			logrus.Errorf("Failed to watch certificate %s: %v", file, err)
		}
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logrus.Info("Certificate change detected, reloading clients")
				app.reloadDBClients()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("Certificate watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}

// reloadQueries swaps the registry in place. A registry that fails to
// parse is rejected and the previous one stays active.
func (app *Application) reloadQueries(queriesFile string) {
	queries, err := registry.LoadFile(queriesFile)
	if err != nil {
		logrus.Errorf("Failed to reload queries, keeping previous registry: %v", err)
		return
	}

	app.mu.Lock()
	old := app.queries
	app.queries = queries
	connections := app.config.Connections
	app.mu.Unlock()

	for _, def := range old.All() {
		if _, err := queries.Get(def.Name); err != nil {
			for _, conn := range connections {
				app.snapshots.drop(snapshotKey(def.Name, conn.DBName))
			}
		}
	}

	app.rebuildJobs()
	logrus.Infof("Query registry reloaded, %d definitions", queries.Len())
}

func (app *Application) reloadConfig(configFile string) {
	cfg, err := config.Load(configFile)
	if err != nil {
		logrus.Errorf("Failed to reload config: %v", err)
		return
	}

	app.mu.Lock()
	app.config = cfg
	app.mu.Unlock()
	app.reloadDBClients()
	app.rebuildJobs()
	logrus.Info("Configuration reloaded successfully")
}

func (app *Application) reloadDBClients() {
	app.mu.Lock()
	defer app.mu.Unlock()

	for _, conn := range app.config.Connections {
		if client, err := db.NewClient(conn); err == nil {
			oldClient := app.dbClients[conn.DBName]
			app.dbClients[conn.DBName] = client
			if oldClient != nil {
				oldClient.Close()
			}
		} else {
			logrus.Errorf("Failed to reload DB client for %s: %v", conn.DBName, err)
		}
	}
}
