package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

var (
	ErrNoImages        = errors.New("no images given")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
)

// Store copies photos into the upload directory under their content hash
// and registers them as a new scan.
type Store struct {
	db        *storage.DB
	uploadDir string
	maxBytes  int64
	allowed   map[string]bool
}

func NewStore(db *storage.DB, cfg config.Config) *Store {
	allowed := make(map[string]bool, len(cfg.AllowedImageExt))
	for _, ext := range cfg.AllowedImageExt {
		allowed[strings.ToLower(ext)] = true
	}
	return &Store{db: db, uploadDir: cfg.UploadDir, maxBytes: cfg.MaxUploadBytes, allowed: allowed}
}

// CreateScan validates every file before copying any of them, then creates a
// pending scan whose images keep the given order.
func (s *Store) CreateScan(ctx context.Context, files []string) (internal.Scan, error) {
	if len(files) == 0 {
		return internal.Scan{}, ErrNoImages
	}
	for _, f := range files {
		if err := s.check(f); err != nil {
			return internal.Scan{}, err
		}
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		p, err := s.stage(f)
		if err != nil {
			return internal.Scan{}, err
		}
		paths = append(paths, p)
	}

	scan, err := s.db.CreateScan(ctx, paths)
	if err != nil {
		return internal.Scan{}, err
	}
	log.Info().Int64("scan_id", scan.ID).Int("images", len(paths)).Msg("scan created")
	return scan, nil
}

func (s *Store) check(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !s.allowed[ext] {
		return fmt.Errorf("%s: %w %q", path, ErrUnsupportedType, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", path)
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return fmt.Errorf("%s: %w (%d bytes, limit %d)", path, ErrTooLarge, info.Size(), s.maxBytes)
	}
	return nil
}

func (s *Store) stage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.uploadDir, hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, hash+strings.ToLower(filepath.Ext(path)))
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return "", err
		}
	}
	return dst, nil
}
