// Package cache is the on-disk store of entity snapshots and file blobs. Every
// write goes through a temp shadow that is renamed over the target, so a crash
// leaves either the old or the new content behind.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/i5heu/gnode/internal/keyValStore"
	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
)

const (
	objectsDir   = "objects"
	filesDir     = "files"
	tempFilesDir = "temp_files"
	indexDir     = "index"
	tempPrefix   = "temp_"
	queryPrefix  = "q/"
)

type Config struct {
	Dir string
	// MinimumFreeMB refuses to open the index when the disk is fuller.
	MinimumFreeMB int
	// Index overrides the badger index, mainly for tests running in memory.
	Index  *keyValStore.KeyValStore
	Logger *slog.Logger
}

// Cache holds the snapshot store, the blob store and the list query index.
type Cache struct {
	dir      string
	log      *slog.Logger
	index    *keyValStore.KeyValStore
	ownIndex bool
}

func Open(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache: no directory configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, d := range []string{objectsDir, filesDir, tempFilesDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, d), 0o755); err != nil {
			return nil, fmt.Errorf("cache: mkdir: %w", err)
		}
	}
	c := &Cache{dir: cfg.Dir, log: cfg.Logger, index: cfg.Index}
	if c.index == nil {
		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Path:             filepath.Join(cfg.Dir, indexDir),
			MinimumFreeSpace: cfg.MinimumFreeMB,
		})
		if err != nil {
			return nil, fmt.Errorf("cache: open index: %w", err)
		}
		c.index = kv
		c.ownIndex = true
	}
	return c, nil
}

func (c *Cache) Dir() string { return c.dir }

// Index exposes the badger index so the array store can share it.
func (c *Cache) Index() *keyValStore.KeyValStore { return c.index }

func (c *Cache) Close() error {
	if c.ownIndex {
		return c.index.Close()
	}
	return nil
}

// shard is the two character directory of key, padded for short ids.
func shard(key string) string {
	if len(key) >= 2 {
		return key[:2]
	}
	return key + strings.Repeat("_", 2-len(key))
}

func (c *Cache) objectPath(loc model.Location) string {
	return filepath.Join(c.dir, objectsDir, shard(loc.ID), loc.ID+"."+string(loc.Kind))
}

func (c *Cache) filePath(key string, temporary bool) string {
	if temporary {
		return filepath.Join(c.dir, tempFilesDir, key)
	}
	return filepath.Join(c.dir, filesDir, shard(key), key)
}

// shadowPath is the in-flight copy of target at the cache root.
func (c *Cache) shadowPath(target string) string {
	rel, err := filepath.Rel(c.dir, target)
	if err != nil {
		rel = filepath.Base(target)
	}
	return filepath.Join(c.dir, tempPrefix+strings.ReplaceAll(rel, string(filepath.Separator), "_"))
}

func parse(location string) (model.Location, error) {
	loc, err := model.ParseLocation(location)
	if err != nil {
		return model.Location{}, err
	}
	return loc, nil
}

// Get returns a copy of the snapshot at location. A missing or unreadable
// snapshot is a miss.
func (c *Cache) Get(location string) (*model.Entity, error) {
	loc, err := parse(location)
	if err != nil {
		return nil, err
	}
	target := c.objectPath(loc)
	data, err := c.read(target, validSnapshot)
	if err != nil {
		return nil, err
	}
	e, err := decodeSnapshot(data)
	if err != nil {
		c.log.Warn("dropping corrupted snapshot", "location", loc.String(), "error", err)
		os.Remove(target)
		return nil, fault.ErrCacheMiss
	}
	return e, nil
}

// Has reports whether a snapshot exists without decoding it.
func (c *Cache) Has(location string) bool {
	loc, err := parse(location)
	if err != nil {
		return false
	}
	_, err = os.Stat(c.objectPath(loc))
	return err == nil
}

// Set stores a snapshot of a persisted entity, replacing any prior one.
func (c *Cache) Set(e *model.Entity) error {
	if !e.Persisted() {
		return fault.Invalid(string(e.Kind), "", "cannot cache an unsaved entity")
	}
	data, err := encodeSnapshot(e)
	if err != nil {
		return err
	}
	return c.write(c.objectPath(e.Loc()), data)
}

// Patch applies fn to the cached snapshot at location, if there is one.
func (c *Cache) Patch(location string, fn func(*model.Entity) bool) error {
	e, err := c.Get(location)
	if errors.Is(err, fault.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	if !fn(e) {
		return nil
	}
	return c.Set(e)
}

func (c *Cache) Delete(location string) error {
	loc, err := parse(location)
	if err != nil {
		return err
	}
	target := c.objectPath(loc)
	os.Remove(c.shadowPath(target))
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetFile returns the blob stored under key, which may be a location whose
// trailing id is used.
func (c *Cache) GetFile(key string, temporary bool) ([]byte, error) {
	target := c.filePath(blobKey(key), temporary)
	data, err := c.read(target, validBlob)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(data)
	if err != nil {
		c.log.Warn("dropping corrupted blob", "key", key, "error", err)
		os.Remove(target)
		return nil, fault.ErrCacheMiss
	}
	return raw, nil
}

// SetFile stores data under key. An empty key allocates a fresh one, which is
// returned.
func (c *Cache) SetFile(data []byte, key string, temporary bool) (string, error) {
	if key == "" {
		key = uuid.NewString()
	}
	key = blobKey(key)
	packed, err := compress(data)
	if err != nil {
		return "", err
	}
	if err := c.write(c.filePath(key, temporary), packed); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Cache) DeleteFile(key string, temporary bool) error {
	err := os.Remove(c.filePath(blobKey(key), temporary))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetArray decodes the array blob behind an array reference.
func (c *Cache) GetArray(ref string) (arrays.Dataset, error) {
	data, err := c.GetFile(ref, false)
	if err != nil {
		return arrays.Dataset{}, err
	}
	d, err := arrays.Decode(data)
	if err != nil {
		c.log.Warn("dropping corrupted array", "ref", ref, "error", err)
		c.DeleteFile(ref, false)
		return arrays.Dataset{}, fault.ErrCacheMiss
	}
	return d, nil
}

func (c *Cache) SetArray(ref string, d arrays.Dataset) error {
	data, err := arrays.Marshal(d)
	if err != nil {
		return err
	}
	_, err = c.SetFile(data, ref, false)
	return err
}

// blobKey reduces a location or URL to its trailing id.
func blobKey(key string) string {
	if loc, err := model.ParseLocation(key); err == nil {
		return loc.ID
	}
	key = strings.TrimSuffix(key, "/")
	key = strings.TrimSuffix(key, "/data")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return key
}

type queryRecord struct {
	ETag      string   `json:"etag"`
	Locations []string `json:"locations"`
}

// GetQuery returns the etag and member locations last seen for a list query.
func (c *Cache) GetQuery(key string) (string, []string, bool) {
	v, err := c.index.Read([]byte(queryPrefix + key))
	if err != nil {
		return "", nil, false
	}
	var rec queryRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		c.log.Warn("dropping corrupted query record", "query", key, "error", err)
		c.index.Delete([]byte(queryPrefix + key))
		return "", nil, false
	}
	return rec.ETag, rec.Locations, true
}

func (c *Cache) SetQuery(key, etag string, locations []string) error {
	v, err := json.Marshal(queryRecord{ETag: etag, Locations: locations})
	if err != nil {
		return err
	}
	return c.index.Write([]byte(queryPrefix+key), v)
}

// ClearTemporary removes temporary blobs only.
func (c *Cache) ClearTemporary() error {
	dir := filepath.Join(c.dir, tempFilesDir)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// Clear drops every snapshot, blob and query record.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		owned := name == objectsDir || name == filesDir || strings.HasPrefix(name, tempPrefix)
		if !owned {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, name)); err != nil {
			return err
		}
	}
	if err := c.index.DeletePrefix([]byte(queryPrefix)); err != nil {
		return err
	}
	for _, d := range []string{objectsDir, filesDir, tempFilesDir} {
		if err := os.MkdirAll(filepath.Join(c.dir, d), 0o755); err != nil {
			return err
		}
	}
	c.log.Info("cache cleared", "dir", c.dir)
	return nil
}
