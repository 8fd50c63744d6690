package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/database"
)

const (
	archivePrefix = "finagent-backup-"
	archiveStamp  = "2006-01-02-150405"
	// minBackupsToKeep bounds rotation so a misconfigured retention can
	// never delete the last good backups.
	minBackupsToKeep = 3
)

// BackupMetadata describes one archive's contents.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database snapshot inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a stored archive.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots the configured databases with VACUUM INTO, bundles
// them with a metadata file into a tar.gz, and uploads the archive.
type BackupService struct {
	databases  map[string]*database.DB
	s3         *S3Client
	stagingDir string
	log        zerolog.Logger
}

// NewBackupService creates the service. s3 may be nil; archives are then
// created locally but never uploaded.
func NewBackupService(databases map[string]*database.DB, s3 *S3Client, stagingDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases:  databases,
		s3:         s3,
		stagingDir: stagingDir,
		log:        log.With().Str("service", "backup").Logger(),
	}
}

// CreateArchive snapshots every database into a staging directory and
// bundles the snapshots plus metadata into a timestamped tar.gz. The caller
// owns the returned path; the per-database snapshots are cleaned up here.
func (s *BackupService) CreateArchive(ctx context.Context) (string, *BackupMetadata, error) {
	staging := filepath.Join(s.stagingDir, "backup-staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	metadata := &BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	snapshotPaths := make([]string, 0, len(names))
	cleanup := func() {
		for _, path := range snapshotPaths {
			os.Remove(path)
		}
	}

	for _, name := range names {
		snapshotPath := filepath.Join(staging, name+".db")
		os.Remove(snapshotPath) // VACUUM INTO refuses to overwrite
		if err := s.snapshotDatabase(ctx, s.databases[name], snapshotPath); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
		}
		snapshotPaths = append(snapshotPaths, snapshotPath)

		if err := verifySnapshot(ctx, snapshotPath); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("snapshot verification failed for %s: %w", name, err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to stat snapshot %s: %w", name, err)
		}
		checksum, err := fileChecksum(snapshotPath)
		if err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to checksum snapshot %s: %w", name, err)
		}
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	snapshotPaths = append(snapshotPaths, metadataPath)

	archiveName := archivePrefix + metadata.Timestamp.Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, snapshotPaths); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to create archive: %w", err)
	}
	cleanup()
	return archivePath, metadata, nil
}

// CreateAndUploadBackup builds an archive and ships it to object storage.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	start := time.Now()
	archivePath, metadata, err := s.CreateArchive(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	if s.s3 == nil {
		s.log.Warn().Str("archive", archivePath).Msg("No object storage configured, backup kept locally")
		return nil
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	if err := s.s3.Upload(ctx, filepath.Base(archivePath), file); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("archive", filepath.Base(archivePath)).
		Int("databases", len(metadata.Databases)).
		Msg("Backup uploaded")
	return nil
}

// ListBackups lists stored archives, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if s.s3 == nil {
		return nil, fmt.Errorf("no object storage configured")
	}
	objects, err := s.s3.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasPrefix(filename, archivePrefix) || !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(filename, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveStamp, stamp)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Failed to parse timestamp from backup filename")
			continue
		}
		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives older than the retention period, always
// keeping the newest minBackupsToKeep. retentionDays 0 keeps everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep {
			continue
		}
		if backup.Timestamp.Before(cutoff) {
			if err := s.s3.Delete(ctx, backup.Filename); err != nil {
				s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
				continue
			}
			deleted++
		}
	}
	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func (s *BackupService) snapshotDatabase(ctx context.Context, db *database.DB, snapshotPath string) error {
	// Flush the WAL first so the snapshot carries every committed write.
	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}
	// VACUUM INTO writes an atomic, WAL-free copy.
	quoted := strings.ReplaceAll(snapshotPath, "'", "''")
	if _, err := db.Conn().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

func verifySnapshot(ctx context.Context, snapshotPath string) error {
	snapshot, err := sql.Open("sqlite", snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snapshot.Close()

	var result string
	if err := snapshot.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata *BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath string, filePaths []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()
	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range filePaths {
		if err := addFileToArchive(tarWriter, path, filepath.Base(path)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
