package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	if err := os.MkdirAll(sc.Path, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", sc.Path, err)
	}
	info, err := os.Stat(sc.Path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if sc.MinimumFreeSpace <= 0 {
		return nil
	}
	usage, err := disk.Usage(sc.Path)
	if err != nil {
		return fmt.Errorf("reading disk usage of %s: %w", sc.Path, err)
	}
	if usage.Free/(1024*1024) < uint64(sc.MinimumFreeSpace) {
		return errors.New("not enough space available on disk")
	}

	return nil
}
