package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultBackupInterval = 24 * time.Hour

// BackupReport summarises one backup run.
type BackupReport struct {
	RunID          string    `json:"run_id"`
	Date           string    `json:"date"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Total          int       `json:"total"`
	Succeeded      int       `json:"succeeded"`
	Skipped        int       `json:"skipped"`
	Failed         int       `json:"failed"`
	FailedChannels []string  `json:"failed_channels,omitempty"`
}

// Scheduler periodically snapshots every channel knowledge base into a
// date-keyed prefix in object storage.
type Scheduler struct {
	store    *Store
	interval time.Duration
}

func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{store: store, interval: backupIntervalFromEnv()}
}

func backupIntervalFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("BACKUP_INTERVAL_HOURS"))
	if raw == "" {
		return defaultBackupInterval
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		log.Printf("knowledge: invalid BACKUP_INTERVAL_HOURS %q, using default", raw)
		return defaultBackupInterval
	}
	return time.Duration(hours) * time.Hour
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start runs the backup loop until ctx is cancelled. One run happens
// immediately, then one per interval.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.runAndLog(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runAndLog(ctx)
			}
		}
	}()
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		log.Printf("knowledge: backup run failed: %v", err)
		return
	}
	log.Printf("knowledge: backup %s finished: %d total, %d copied, %d skipped, %d failed",
		report.RunID, report.Total, report.Succeeded, report.Skipped, report.Failed)
}

// RunOnce backs up every channel into backups/<YYYYMMDD>/. Objects already
// present at the destination are left untouched, so a day's snapshot is
// write-once even across repeated runs. A failing channel does not stop the
// rest of the run.
func (s *Scheduler) RunOnce(ctx context.Context) (BackupReport, error) {
	report := BackupReport{
		RunID:     uuid.NewString(),
		Date:      time.Now().UTC().Format("20060102"),
		StartedAt: time.Now().UTC(),
	}

	infos, err := s.store.Channels(ctx)
	if err != nil {
		return report, fmt.Errorf("knowledge: list channels for backup: %w", err)
	}
	report.Total = len(infos)

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		src := channelPrefix + info.ChannelID + knowledgeExt
		dst := backupPrefix + report.Date + "/" + info.ChannelID + knowledgeExt

		if _, err := s.store.objects.Stat(ctx, dst); err == nil {
			report.Skipped++
			continue
		} else if !errors.Is(err, errObjectNotFound) {
			report.Failed++
			report.FailedChannels = append(report.FailedChannels, info.ChannelID)
			log.Printf("knowledge: backup stat %s: %v", dst, err)
			continue
		}

		if err := s.store.objects.Copy(ctx, src, dst); err != nil {
			report.Failed++
			report.FailedChannels = append(report.FailedChannels, info.ChannelID)
			log.Printf("knowledge: backup copy %s: %v", info.ChannelID, err)
			continue
		}
		report.Succeeded++
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}
