package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz/lzma"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
)

// snapshotVersion is bumped when the layout of the entity map changes in a
// way older readers cannot skip over.
const snapshotVersion = 1

func encodeSnapshot(e *model.Entity) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"version": snapshotVersion,
		"entity":  e.ToMap(""),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: encode snapshot of %s: %w", e.Location(), err)
	}
	return proto.Marshal(st)
}

func decodeSnapshot(data []byte) (*model.Entity, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	m := st.AsMap()
	if v, _ := m["version"].(float64); int(v) > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %v is newer than %d", m["version"], snapshotVersion)
	}
	inner, ok := m["entity"].(map[string]any)
	if !ok {
		return nil, errors.New("snapshot has no entity")
	}
	return model.FromMap(inner)
}

func validSnapshot(data []byte) bool {
	_, err := decodeSnapshot(data)
	return err == nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func validBlob(data []byte) bool {
	_, err := decompress(data)
	return err == nil
}

// read returns the bytes at target. A shadow left behind by an interrupted
// write is restored first when it holds valid content, and dropped otherwise.
func (c *Cache) read(target string, valid func([]byte) bool) ([]byte, error) {
	shadow := c.shadowPath(target)
	if data, err := os.ReadFile(shadow); err == nil {
		if valid(data) {
			c.log.Warn("restoring interrupted cache write", "path", target)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err == nil {
				os.Rename(shadow, target)
			}
		} else {
			os.Remove(shadow)
		}
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", target, err)
	}
	return data, nil
}

// write puts data into the shadow of target and renames it into place.
func (c *Cache) write(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	shadow := c.shadowPath(target)
	f, err := os.OpenFile(shadow, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cache: write %s: %w", shadow, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(shadow)
		return fmt.Errorf("cache: write %s: %w", shadow, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(shadow)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(shadow)
		return err
	}
	if err := os.Rename(shadow, target); err != nil {
		os.Remove(shadow)
		return fmt.Errorf("cache: rename %s: %w", shadow, err)
	}
	return nil
}
