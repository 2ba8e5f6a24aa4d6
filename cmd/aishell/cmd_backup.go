package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"aishell/internal/db"
	"aishell/internal/fault"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and manage database backups",
	Long: `Backups cover sqlite connections: a consistent snapshot is taken with
VACUUM INTO and recorded with a SHA-256 checksum. Server engines are
backed up with their own native tooling and are out of scope here.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [connection]",
	Short: "Snapshot a connection (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup over its source database",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check a backup file against its recorded checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

func init() {
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupVerifyCmd)
}

// backupEntry is one manifest record.
type backupEntry struct {
	ID         string    `yaml:"id"`
	Connection string    `yaml:"connection"`
	SourcePath string    `yaml:"source_path"`
	File       string    `yaml:"file"`
	SHA256     string    `yaml:"sha256"`
	SizeBytes  int64     `yaml:"size_bytes"`
	CreatedAt  time.Time `yaml:"created_at"`
}

type backupManifest struct {
	Backups []backupEntry `yaml:"backups"`
}

func backupDir() string {
	return filepath.Join(cfg.StateDir, "backups")
}

func backupManifestPath() string {
	return filepath.Join(backupDir(), "manifest.yaml")
}

func loadBackupManifest() (*backupManifest, error) {
	data, err := os.ReadFile(backupManifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &backupManifest{}, nil
		}
		return nil, fault.Wrap(fault.KindUnavailable, err, "reading backup manifest")
	}
	var m backupManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "parsing backup manifest")
	}
	return &m, nil
}

func saveBackupManifest(m *backupManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "encoding backup manifest")
	}
	tmp := backupManifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "writing backup manifest")
	}
	return os.Rename(tmp, backupManifestPath())
}

func findBackup(m *backupManifest, id string) (*backupEntry, error) {
	for i := range m.Backups {
		if m.Backups[i].ID == id || strings.HasPrefix(m.Backups[i].ID, id) {
			return &m.Backups[i], nil
		}
	}
	return nil, fault.Errorf(fault.KindNotFound, "backup %q not found", id)
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// sqlitePathFor resolves the on-disk database file of a saved sqlite
// connection.
func sqlitePathFor(name string) (string, error) {
	saved, err := app.saved.get(name)
	if err != nil {
		return "", err
	}
	dsn, err := app.expandVaultRefs(saved.DSN)
	if err != nil {
		return "", err
	}
	cs, err := db.Parse(dsn)
	if err != nil {
		return "", err
	}
	if cs.Kind != db.KindSQLite {
		return "", fault.Errorf(fault.KindInvalidInput,
			"backup requires a sqlite connection, %q is %s", name, cs.Kind)
	}
	return cs.Path, nil
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	name := ""
	if len(args) == 1 {
		name = args[0]
	} else if name = app.saved.activeName(); name == "" {
		return fault.New(fault.KindNotFound, "no active connection; run connect first")
	}

	sourcePath, err := sqlitePathFor(name)
	if err != nil {
		return err
	}
	client, err := app.dial(name)
	if err != nil {
		return connectionError(err)
	}

	if err := os.MkdirAll(backupDir(), 0o700); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "creating backup directory")
	}
	id := uuid.NewString()
	file := filepath.Join(backupDir(),
		fmt.Sprintf("%s-%s.db", name, time.Now().Format("20060102-150405")))

	if flagDryRun {
		fmt.Printf("would back up %s to %s\n", name, file)
		return nil
	}

	// VACUUM INTO produces a consistent point-in-time copy without
	// locking out other readers.
	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(file, "'", "''"))
	if _, err := client.Execute(ctx, stmt, nil); err != nil {
		return queryError(err)
	}
	_ = os.Chmod(file, 0o600)

	sum, size, err := fileChecksum(file)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "checksumming backup")
	}

	manifest, err := loadBackupManifest()
	if err != nil {
		return err
	}
	manifest.Backups = append(manifest.Backups, backupEntry{
		ID:         id,
		Connection: name,
		SourcePath: sourcePath,
		File:       file,
		SHA256:     sum,
		SizeBytes:  size,
		CreatedAt:  time.Now().UTC(),
	})
	if err := saveBackupManifest(manifest); err != nil {
		return err
	}
	fmt.Printf("backup %s created (%d bytes)\n", id[:8], size)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	manifest, err := loadBackupManifest()
	if err != nil {
		return err
	}
	rs := resultSet{Columns: []string{"id", "connection", "created", "size", "file"}}
	for _, b := range manifest.Backups {
		rs.Rows = append(rs.Rows, []any{
			b.ID[:8], b.Connection,
			b.CreatedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", b.SizeBytes),
			b.File,
		})
	}
	rs.Summary = fmt.Sprintf("%d backup(s)", len(manifest.Backups))
	return render(rs)
}

func verifyBackup(entry *backupEntry) error {
	sum, size, err := fileChecksum(entry.File)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "reading backup file")
	}
	if sum != entry.SHA256 || size != entry.SizeBytes {
		return fault.Errorf(fault.KindSchemaViolation,
			"backup %s is corrupt: checksum mismatch", entry.ID[:8])
	}
	return nil
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	manifest, err := loadBackupManifest()
	if err != nil {
		return err
	}
	entry, err := findBackup(manifest, args[0])
	if err != nil {
		return err
	}
	if err := verifyBackup(entry); err != nil {
		return err
	}
	fmt.Printf("backup %s verified\n", entry.ID[:8])
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	manifest, err := loadBackupManifest()
	if err != nil {
		return err
	}
	entry, err := findBackup(manifest, args[0])
	if err != nil {
		return err
	}
	if err := verifyBackup(entry); err != nil {
		return err
	}
	if flagDryRun {
		fmt.Printf("would restore %s over %s\n", entry.ID[:8], entry.SourcePath)
		return nil
	}
	if !flagForce && !flagConfirm {
		return fault.New(fault.KindRiskRejected,
			"restore overwrites the live database; re-run with --force")
	}

	// Make sure no pool in this process holds the file.
	_ = app.connections.Disconnect(entry.Connection)

	src, err := os.Open(entry.File)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "opening backup file")
	}
	defer src.Close()

	tmp := entry.SourcePath + ".restore"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "staging restore")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fault.Wrap(fault.KindUnavailable, err, "copying backup")
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.KindUnavailable, err, "flushing restore")
	}
	if err := os.Rename(tmp, entry.SourcePath); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.KindUnavailable, err, "replacing database file")
	}
	fmt.Printf("restored %s from backup %s\n", entry.SourcePath, entry.ID[:8])
	return nil
}
