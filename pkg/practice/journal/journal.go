// Package journal records analyzed turns for history. Recording is best
// effort: failures are logged and never reach the caller.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/sationly/sationly/pkg/archive"
	"github.com/sationly/sationly/pkg/practice"
)

// TurnWriter persists turn rows.
type TurnWriter interface {
	InsertTurn(ctx context.Context, rec practice.TurnRecord) error
}

// Journal writes turn rows and, when an archive is configured, the audio.
type Journal struct {
	Turns   TurnWriter
	Archive archive.Store
	Logger  *slog.Logger
	Now     func() time.Time
}

// Entry is one analyzed turn with its audio.
type Entry struct {
	Record   practice.TurnRecord
	Audio    []byte
	MIMEType string
	Ext      string
}

// Record stores the entry and returns the record as written.
func (j *Journal) Record(ctx context.Context, e Entry) practice.TurnRecord {
	if j == nil {
		return e.Record
	}
	rec := e.Record
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(practice.EnvironmentRetention)
	}

	if j.Archive != nil && len(e.Audio) > 0 {
		key := archive.Key(rec.UserID, rec.CreatedAt, e.Ext)
		if err := j.Archive.Put(ctx, key, e.Audio, e.MIMEType); err != nil {
			j.logger().Warn("turn audio archive failed", "user_id", rec.UserID, "error", err)
		} else {
			rec.AudioKey = key
		}
	}

	if j.Turns != nil && rec.UserID != "" {
		if err := j.Turns.InsertTurn(ctx, rec); err != nil {
			j.logger().Warn("turn persistence failed", "user_id", rec.UserID, "environment_id", rec.EnvironmentID, "error", err)
		}
	}
	return rec
}

func (j *Journal) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
