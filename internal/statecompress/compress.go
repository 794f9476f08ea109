// Package statecompress drives the external synapse state compressor
// over the rooms that accumulated the most state. The compressor itself
// is a third-party tool; this package only selects rooms, invokes it and
// applies the SQL it generates.
package statecompress

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/homeserver-ops/synapse-monitor/internal/config"
	"github.com/homeserver-ops/synapse-monitor/internal/db"
)

const candidateRoomsQuery = `SELECT room_id, count(*) AS state_group_rows
FROM state_groups_state
GROUP BY room_id
HAVING count(*) > $1
ORDER BY count(*) DESC
LIMIT $2`

type Config struct {
	DBHost   string
	DBPort   int
	DBName   string
	DBUser   string
	DBPasswd string

	CompressorPath    string
	Levels            string
	MinStateGroupRows int64
	MaxRooms          int
	OutputDir         string
	RoomTimeout       time.Duration
}

// FromEnv fills the database settings from the POSTGRES_* variables the
// container has always used. Flags override these.
func FromEnv() Config {
	port := 5432
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return Config{
		DBHost:   getenv("POSTGRES_HOST", "localhost"),
		DBPort:   port,
		DBName:   getenv("POSTGRES_DB", "synapse"),
		DBUser:   getenv("POSTGRES_USER", "synapse"),
		DBPasswd: os.Getenv("POSTGRES_PASSWORD"),

		CompressorPath:    getenv("COMPRESSOR_PATH", "synapse-compress-state"),
		Levels:            "100,50,25",
		MinStateGroupRows: 100000,
		MaxRooms:          10,
		OutputDir:         os.TempDir(),
		RoomTimeout:       30 * time.Minute,
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c Config) dsn() string {
	return db.DSN(config.Connection{
		DBHost:   c.DBHost,
		DBPort:   c.DBPort,
		DBName:   c.DBName,
		DBUser:   c.DBUser,
		DBPasswd: c.DBPasswd,
	})
}

// Room is a compression candidate.
type Room struct {
	ID             string
	StateGroupRows int64
}

type Runner struct {
	cfg  Config
	conn *sql.DB
}

func NewRunner(cfg Config) (*Runner, error) {
	conn, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening Postgres connection: %v", err)
	}
	return &Runner{cfg: cfg, conn: conn}, nil
}

func (r *Runner) Close() {
	r.conn.Close()
}

// Run compresses every candidate room once. Per-room failures are
// logged and skipped; the run fails only if no room succeeded.
func (r *Runner) Run(ctx context.Context) error {
	rooms, err := r.CandidateRooms(ctx)
	if err != nil {
		return fmt.Errorf("selecting candidate rooms: %v", err)
	}
	if len(rooms) == 0 {
		logrus.Infof("No rooms above %d state group rows, nothing to do", r.cfg.MinStateGroupRows)
		return nil
	}

	failed := 0
	for _, room := range rooms {
		logger := logrus.WithFields(logrus.Fields{
			"room_id":          room.ID,
			"state_group_rows": room.StateGroupRows,
		})
		logger.Info("Compressing room state")
		if err := r.CompressRoom(ctx, room); err != nil {
			logger.Errorf("Room compression failed: %v", err)
			failed++
			continue
		}
		logger.Info("Room state compressed")
	}

	if failed == len(rooms) {
		return fmt.Errorf("all %d rooms failed to compress", failed)
	}
	return nil
}

func (r *Runner) CandidateRooms(ctx context.Context) ([]Room, error) {
	rows, err := r.conn.QueryContext(ctx, candidateRoomsQuery, r.cfg.MinStateGroupRows, r.cfg.MaxRooms)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.StateGroupRows); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// CompressRoom runs the external compressor for one room and applies
// the SQL it produced inside a transaction.
func (r *Runner) CompressRoom(ctx context.Context, room Room) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RoomTimeout)
	defer cancel()

	outPath := filepath.Join(r.cfg.OutputDir, outputFilename(room.ID))
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, r.cfg.CompressorPath, compressorArgs(r.cfg, room.ID, outPath)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("compressor failed: %v: %s", err, strings.TrimSpace(string(output)))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("reading generated SQL: %v", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		logrus.WithField("room_id", room.ID).Info("Compressor produced no changes")
		return nil
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		tx.Rollback()
		return fmt.Errorf("applying generated SQL: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing generated SQL: %v", err)
	}
	return nil
}

func compressorArgs(cfg Config, roomID, outPath string) []string {
	return []string{
		"-p", cfg.dsn(),
		"-r", roomID,
		"-o", outPath,
		"-l", cfg.Levels,
		"-t",
	}
}

// outputFilename maps a room id like !abc:matrix.example.org to a safe
// file name.
func outputFilename(roomID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, roomID)
	return fmt.Sprintf("state-compressor-%s.sql", sanitized)
}
