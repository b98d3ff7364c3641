// Package observer records one battle's timeline as a durable, append-only
// event log and exposes a live, drain-on-read snapshot tail for pollers.
package observer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

// Mirror receives a copy of every recorded event for best-effort analytical
// storage (see ClickHouseMirror). A nil Mirror is valid; Observer simply
// skips mirroring.
type Mirror interface {
	Ship(event models.Event)
}

// Observer is a single battle's event recorder. It is owned by the worker
// goroutine driving that battle for its whole lifetime; external readers
// only ever see snapshot copies via DrainSnapshots.
type Observer struct {
	battleID string
	dataDir  string
	mirror   Mirror
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	snapshots  []models.Event
	archiveTmp string
	archive    string
	publicTmp  string
	public     string
}

// New creates an Observer for battleID, rooted at dataDir/<battleID>/, and
// initializes its archive and public event log files as empty JSON arrays.
func New(battleID, dataDir string, mirror Mirror, logger *zap.Logger) (*Observer, error) {
	dir := filepath.Join(dataDir, battleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("observer: create battle dir: %w", err)
	}

	o := &Observer{
		battleID: battleID,
		dataDir:  dataDir,
		mirror:   mirror,
		logger:   logger.Sugar(),
		archive:  filepath.Join(dir, fmt.Sprintf("archive_game_%s.json", battleID)),
		public:   filepath.Join(dir, fmt.Sprintf("public_game_%s.json", battleID)),
	}
	o.archiveTmp = o.archive + ".tmp"
	o.publicTmp = o.public + ".tmp"

	if err := o.initJSONArray(o.archive); err != nil {
		return nil, fmt.Errorf("observer: init archive: %w", err)
	}
	if err := o.initJSONArray(o.public); err != nil {
		return nil, fmt.Errorf("observer: init public log: %w", err)
	}
	o.logger.Infow("event log initialized", "battle_id", o.battleID, "archive", o.archive, "public", o.public)
	return o, nil
}

func (o *Observer) initJSONArray(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte("[]"), 0o644)
}

// Record appends event_type/event_data atomically to the battle's archive
// file and pushes a copy into the in-memory snapshot queue. Safe for
// concurrent callers (the referee worker is the typical sole writer, but
// cancellation paths may contend).
func (o *Observer) Record(eventType models.EventType, eventData any) {
	event := models.Event{
		BattleID:  o.battleID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EventData: eventData,
	}

	o.mu.Lock()
	o.snapshots = append(o.snapshots, event)
	if err := o.appendJSON(o.archive, o.archiveTmp, event); err != nil {
		o.logger.Errorw("failed to append event to archive", "battle_id", o.battleID, "error", err)
	}
	// The public event log is the same timeline, kept as its own file because
	// bots and spectators read it directly rather than the canonical archive.
	if err := o.appendJSON(o.public, o.publicTmp, event); err != nil {
		o.logger.Errorw("failed to append event to public log", "battle_id", o.battleID, "error", err)
	}
	o.mu.Unlock()

	if o.mirror != nil {
		o.mirror.Ship(event)
	}
}

// appendJSON performs the durability-critical read-modify-write against a
// single JSON-array file: read the current array, append, write to a temp
// file, then rename over the target. A crash leaves either the pre- or
// post-append state, never a torn one. Caller must hold o.mu.
func (o *Observer) appendJSON(path, tmpPath string, event models.Event) error {
	var records []models.Event

	existing, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(existing, &records); jsonErr != nil {
			records = nil // corrupted file: reinitialize rather than fail the append
		}
	}

	records = append(records, event)

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// DrainSnapshots returns and clears the in-memory tail. A second call
// immediately after the first returns an empty slice.
func (o *Observer) DrainSnapshots() []models.Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.snapshots) == 0 {
		return nil
	}
	drained := o.snapshots
	o.snapshots = nil
	return drained
}

// AllEvents returns the complete recorded timeline, read back from the
// archive file. Unlike DrainSnapshots this does not consume anything; it is
// what the Rating Processor reads once a battle finishes.
func (o *Observer) AllEvents() ([]models.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := os.ReadFile(o.archive)
	if err != nil {
		return nil, fmt.Errorf("observer: read archive: %w", err)
	}
	var events []models.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("observer: decode archive: %w", err)
	}
	return events, nil
}

// Finalize ensures the archive and public log files exist and are valid
// JSON arrays, recreating either if something removed it out from under the
// battle.
func (o *Observer) Finalize() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := os.Stat(o.archive); err != nil {
		o.logger.Warnw("archive missing at finalize, recreating", "battle_id", o.battleID)
		if err := o.initJSONArray(o.archive); err != nil {
			return fmt.Errorf("observer: recreate archive: %w", err)
		}
	}
	if _, err := os.Stat(o.public); err != nil {
		o.logger.Warnw("public log missing at finalize, recreating", "battle_id", o.battleID)
		if err := o.initJSONArray(o.public); err != nil {
			return fmt.Errorf("observer: recreate public log: %w", err)
		}
	}
	return nil
}

// ArchivePath returns the canonical archive file path.
func (o *Observer) ArchivePath() string {
	return o.archive
}

// PublicPath returns the public event log file path, which the Referee
// records as the result's LogPath.
func (o *Observer) PublicPath() string {
	return o.public
}

// Purge removes the battle's sandbox/event-log directory. Called by the
// Battle Manager worker on every exit path once the Rating Processor has
// consumed the log.
func Purge(dataDir, battleID string) error {
	dir := filepath.Join(dataDir, battleID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("observer: purge %s: %w", dir, err)
	}
	return nil
}
