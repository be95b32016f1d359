package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

const lastLoadKey = "catalog.last_load"

type fileBadge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// LoadFile reads a JSON array of badges. Entries without an id or name are
// skipped; a repeated id keeps its first occurrence.
func LoadFile(path string) ([]internal.Badge, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read badge list: %w", err)
	}

	var raw []fileBadge
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("badge list %s must be a JSON array of badges: %w", path, err)
	}

	seen := map[string]struct{}{}
	out := make([]internal.Badge, 0, len(raw))
	for i, b := range raw {
		id := strings.TrimSpace(b.ID)
		name := strings.TrimSpace(b.Name)
		if id == "" || name == "" {
			log.Warn().Int("index", i).Str("name", b.Name).Msg("skipping badge without id or name")
			continue
		}
		if _, dup := seen[id]; dup {
			log.Warn().Str("badge_id", id).Msg("duplicate badge id in badge list")
			continue
		}
		seen[id] = struct{}{}

		category := strings.TrimSpace(b.Category)
		if category == "" {
			category = "Unknown"
		}
		out = append(out, internal.Badge{ID: id, Name: name, Category: category, Description: strings.TrimSpace(b.Description)})
	}
	return out, nil
}

// LoadURLMap reads the purchase link file, either {"products": {id: url}} or
// {"products": {id: {"url": url}}}. A missing file yields an empty map.
func LoadURLMap(path string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	var doc struct {
		Products map[string]json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("parse url map %s: %w", path, err)
	}
	for id, rawValue := range doc.Products {
		var asString string
		if err := json.Unmarshal(rawValue, &asString); err == nil {
			if asString != "" {
				out[id] = asString
			}
			continue
		}
		var asObject struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(rawValue, &asObject); err == nil && asObject.URL != "" {
			out[id] = asObject.URL
		}
	}
	return out, nil
}

type LoadService struct {
	db  *storage.DB
	cfg config.Config
}

func NewLoadService(db *storage.DB, cfg config.Config) *LoadService {
	return &LoadService{db: db, cfg: cfg}
}

type LoadOptions struct {
	Path      string
	URLsPath  string
	Clear     bool
	Threshold int
}

type LoadResult struct {
	Badges           int
	InventoryCreated int
	WithURL          int
}

func (s *LoadService) Load(ctx context.Context, opts LoadOptions) (LoadResult, error) {
	if opts.Path == "" {
		opts.Path = s.cfg.CatalogPath
	}
	if opts.URLsPath == "" {
		opts.URLsPath = s.cfg.CatalogURLsPath
	}
	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.DefaultReorderThreshold
	}

	badges, err := LoadFile(opts.Path)
	if err != nil {
		return LoadResult{}, err
	}
	urls, err := LoadURLMap(opts.URLsPath)
	if err != nil {
		return LoadResult{}, err
	}

	withURL := 0
	for i := range badges {
		if u, ok := urls[badges[i].ID]; ok {
			link := u
			badges[i].PurchaseURL = &link
			withURL++
		}
	}

	if opts.Clear {
		if err := s.db.ClearCatalog(ctx); err != nil {
			return LoadResult{}, err
		}
	}

	res, err := s.db.UpsertBadges(ctx, badges, opts.Threshold)
	if err != nil {
		return LoadResult{}, err
	}
	_ = s.db.SetMetadata(ctx, lastLoadKey, time.Now().UTC().Format(time.RFC3339))

	log.Info().Str("path", opts.Path).Int("badges", res.Badges).Int("inventory_created", res.InventoryCreated).Int("with_url", withURL).Msg("catalog loaded")
	return LoadResult{Badges: res.Badges, InventoryCreated: res.InventoryCreated, WithURL: withURL}, nil
}

// Current builds a snapshot from the persisted catalog.
func Current(ctx context.Context, db *storage.DB) (*Snapshot, error) {
	badges, err := db.ListBadges(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(badges), nil
}

// LastLoaded returns when the catalog was last loaded, or nil if it never was.
func LastLoaded(ctx context.Context, db *storage.DB) (*string, error) {
	return db.GetMetadata(ctx, lastLoadKey)
}
