package arrays

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	boxochunker "github.com/ipfs/boxo/chunker"

	"github.com/i5heu/gnode/internal/keyValStore"
)

// Ext is the suffix of uploaded array files.
const Ext = ".nda"

const indexPrefix = "fp/"

// ErrNotCached is returned by GetArray when no local file backs the reference.
var ErrNotCached = errors.New("arrays: array not in local store")

type Config struct {
	Dir    string
	Index  *keyValStore.KeyValStore // optional fingerprint → uploaded location index
	Logger *slog.Logger
}

// Store is the fingerprint addressed local directory of staged and uploaded
// array files.
type Store struct {
	dir   string
	index *keyValStore.KeyValStore
	log   *slog.Logger
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("arrays: no directory configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("arrays: mkdir %s: %w", cfg.Dir, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{dir: cfg.Dir, index: cfg.Index, log: cfg.Logger}, nil
}

func (s *Store) Dir() string { return s.dir }

// Fingerprint hashes data in splitter sized pieces so large arrays are never
// copied a second time.
func Fingerprint(data []byte) string {
	h := sha256.New()
	splitter := boxochunker.NewSizeSplitter(bytes.NewReader(data), 256*1024)
	for {
		chunk, err := splitter.NextBytes()
		if err != nil {
			// io.EOF is the only error a bytes.Reader produces
			break
		}
		h.Write(chunk)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PutArray encodes d, writes it under its fingerprint unless present and
// returns the local path.
func (s *Store) PutArray(d Dataset) (string, error) {
	data, err := Marshal(d)
	if err != nil {
		return "", err
	}
	return s.PutBytes(data)
}

// PutBytes stores an already encoded container.
func (s *Store) PutBytes(data []byte) (string, error) {
	p := filepath.Join(s.dir, Fingerprint(data))
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if err := writeAtomic(p, data); err != nil {
		return "", err
	}
	s.log.Debug("staged array", "path", p, "bytes", len(data))
	return p, nil
}

// GetArray reads the dataset behind a local path or an uploaded array
// reference. References not present locally yield ErrNotCached.
func (s *Store) GetArray(pathOrURL string) (Dataset, error) {
	data, err := s.ReadBytes(pathOrURL)
	if err != nil {
		return Dataset{}, err
	}
	d, err := Decode(data)
	if err != nil {
		return Dataset{}, fmt.Errorf("arrays: %s: %w", pathOrURL, err)
	}
	return d, nil
}

// ReadBytes returns the raw container behind pathOrURL.
func (s *Store) ReadBytes(pathOrURL string) ([]byte, error) {
	p := s.Resolve(pathOrURL)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, pathOrURL)
	}
	return data, err
}

// Resolve maps an array reference to the local file that holds or would hold
// it. Local paths are returned unchanged.
func (s *Store) Resolve(pathOrURL string) string {
	if IsLocal(pathOrURL) {
		return pathOrURL
	}
	return s.UploadedPath(idOf(pathOrURL))
}

// UploadedPath is the local name of the array uploaded as id.
func (s *Store) UploadedPath(id string) string {
	return filepath.Join(s.dir, id+Ext)
}

// IsLocal reports whether ref is a filesystem path rather than a server
// reference.
func IsLocal(ref string) bool {
	if strings.Contains(ref, "://") {
		return false
	}
	return filepath.IsAbs(ref) && !strings.HasPrefix(ref, "/datafiles/")
}

func idOf(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	ref = strings.TrimSuffix(ref, "/")
	ref = strings.TrimSuffix(ref, "/data")
	return path.Base(ref)
}

// RenameForUpload moves a staged file to the name derived from the id the
// server assigned. When the target already exists the staged file is left in
// place.
func (s *Store) RenameForUpload(localPath, id string) (string, error) {
	target := s.UploadedPath(id)
	if localPath == target {
		return target, nil
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	if err := os.Rename(localPath, target); err != nil {
		return "", fmt.Errorf("arrays: rename %s: %w", localPath, err)
	}
	return target, nil
}

// Remember records that content with fingerprint fp was uploaded as location.
func (s *Store) Remember(fp, location string) error {
	if s.index == nil {
		return nil
	}
	return s.index.Write([]byte(indexPrefix+fp), []byte(location))
}

// Lookup returns the uploaded location of content with fingerprint fp.
func (s *Store) Lookup(fp string) (string, bool) {
	if s.index == nil {
		return "", false
	}
	v, err := s.index.Read([]byte(indexPrefix + fp))
	if err != nil {
		return "", false
	}
	return string(v), true
}

// Forget drops the fingerprint index and every local file.
func (s *Store) Forget() error {
	if s.index != nil {
		if err := s.index.DeletePrefix([]byte(indexPrefix)); err != nil {
			return err
		}
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func writeAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "temp_*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
