package exporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DeadLetterQueue parks failed query jobs on disk so they survive a
// restart and get retried once the database recovers.
type DeadLetterQueue struct {
	path string
	mu   sync.Mutex
}

func NewDeadLetterQueue(path string) *DeadLetterQueue {
	dlq := &DeadLetterQueue{path: filepath.Join(path, "dead_letter")}
	if err := os.MkdirAll(dlq.path, 0755); err != nil {
		logrus.Errorf("Failed to create DLQ directory: %v", err)
	}
	return dlq
}

func (dlq *DeadLetterQueue) Add(job QueryJob) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	job.RetryCount++
	if job.RetryCount > maxDLQRetries {
		logrus.Errorf("Dropping query %s for %s after %d dead letter retries",
			job.Query.Name, job.Connection.DBName, maxDLQRetries)
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		logrus.Errorf("Failed to marshal DLQ job: %v", err)
		return
	}
	filename := fmt.Sprintf("%s/%d_%s.json", dlq.path, time.Now().UnixNano(), job.Query.Name)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		logrus.Errorf("Failed to write to DLQ: %v", err)
	}
}

func (dlq *DeadLetterQueue) ProcessRetries(app *Application) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dlq.drain(app)
			case <-app.shutdown:
				return
			}
		}
	}()
}

func (dlq *DeadLetterQueue) drain(app *Application) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	files, err := os.ReadDir(dlq.path)
	if err != nil {
		logrus.Errorf("Failed to read DLQ directory: %v", err)
		return
	}
	for _, file := range files {
		name := filepath.Join(dlq.path, file.Name())
		data, err := os.ReadFile(name)
		if err != nil {
			logrus.Errorf("Failed to read DLQ file %s: %v", file.Name(), err)
			continue
		}
		var job QueryJob
		if err := json.Unmarshal(data, &job); err != nil {
			logrus.Errorf("Failed to unmarshal DLQ job %s: %v", file.Name(), err)
			continue
		}
		select {
		case app.workerPool <- job:
			if err := os.Remove(name); err != nil {
				logrus.Errorf("Failed to remove DLQ file %s: %v", file.Name(), err)
			}
		default:
			// Worker pool is saturated; leave the file for the next tick.
		}
	}
}
