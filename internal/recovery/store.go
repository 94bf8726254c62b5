// Package recovery persists engine state so a restart resumes where the
// previous process stopped.
package recovery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

// SchemaVersion is the envelope version written by Save.
const SchemaVersion = 1

// EngineState is everything needed to resume trading after a crash.
type EngineState struct {
	Portfolio       models.PortfolioSnapshot `json:"portfolio"`
	Risk            models.RiskState         `json:"risk"`
	OpenOrders      []models.Order           `json:"open_orders,omitempty"`
	SubmissionCount int64                    `json:"submission_count"`
	SavedAt         time.Time                `json:"saved_at"`
}

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Checksum      string          `json:"checksum"`
	SavedAt       time.Time       `json:"saved_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Store writes snapshots atomically and keeps the previous good one as a backup.
type Store struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store writing to path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "recovery").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the primary snapshot path.
func (s *Store) Path() string { return s.path }

// BackupPath returns the last-known-good snapshot path.
func (s *Store) BackupPath() string { return s.path + ".bak" }

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Save writes state to a temp file, syncs it and renames it over the primary.
// A primary that still verifies is first copied to the backup path.
func (s *Store) Save(state EngineState) error {
	if state.SavedAt.IsZero() {
		state.SavedAt = s.now()
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return apperrors.Wrap(err, "encoding engine state")
	}
	data, err := json.Marshal(envelope{
		SchemaVersion: SchemaVersion,
		Checksum:      checksum(payload),
		SavedAt:       state.SavedAt,
		Payload:       payload,
	})
	if err != nil {
		return apperrors.Wrap(err, "encoding snapshot envelope")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(err, "creating %s", dir)
	}

	if err := s.rotateBackup(); err != nil {
		s.logger.Warn().Err(err).Msg("Could not refresh backup snapshot")
	}

	tmp := s.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Wrapf(err, "replacing %s", s.path)
	}
	syncDir(dir)

	s.logger.Debug().
		Str("path", s.path).
		Int("positions", len(state.Portfolio.Positions)).
		Int("open_orders", len(state.OpenOrders)).
		Msg("Snapshot saved")
	return nil
}

// rotateBackup copies the current primary to the backup path when it verifies.
func (s *Store) rotateBackup() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := decode(s.path, data); err != nil {
		// keep the older backup rather than overwrite it with garbage
		return err
	}
	return writeSynced(s.BackupPath(), data)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.Wrapf(err, "opening %s", path)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return apperrors.Wrapf(err, "writing %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperrors.Wrapf(err, "syncing %s", path)
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Load reads and verifies the primary snapshot.
func (s *Store) Load() (EngineState, error) {
	return s.load(s.path)
}

// LoadBackup reads and verifies the last-known-good snapshot.
func (s *Store) LoadBackup() (EngineState, error) {
	return s.load(s.BackupPath())
}

func (s *Store) load(path string) (EngineState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return EngineState{}, apperrors.Wrapf(apperrors.ErrNoSnapshot, "%s", path)
	}
	if err != nil {
		return EngineState{}, apperrors.Wrapf(err, "reading %s", path)
	}

	state, err := decode(path, data)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Snapshot failed verification")
		return EngineState{}, err
	}
	return state, nil
}

func decode(path string, data []byte) (EngineState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return EngineState{}, apperrors.NewCorruptStateError(path, "malformed envelope", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return EngineState{}, apperrors.NewCorruptStateError(path,
			fmt.Sprintf("schema version %d, want %d", env.SchemaVersion, SchemaVersion), nil)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return EngineState{}, apperrors.NewCorruptStateError(path, "malformed payload", err)
	}
	if checksum(compact.Bytes()) != env.Checksum {
		return EngineState{}, apperrors.NewCorruptStateError(path, "checksum mismatch", nil)
	}

	var state EngineState
	if err := json.Unmarshal(env.Payload, &state); err != nil {
		return EngineState{}, apperrors.NewCorruptStateError(path, "undecodable payload", err)
	}
	return state, nil
}
