package persistence

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"

	"memory-docs/internal/globalconst"
	"memory-docs/internal/index"
	"memory-docs/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Summary describes a snapshot file.
type Summary struct {
	Indexes   []index.Options
	Documents int
}

type pair struct {
	key   string
	value []byte
}

// Export writes every pair of kv plus the index definitions to path. The file is
// zstd-compressed and replaced atomically.
func Export(ctx context.Context, kv store.KVStore, path string, indexes []index.Options) (Summary, error) {
	var pairs []pair
	err := kv.Scan(ctx, func(key string, value []byte) error {
		pairs = append(pairs, pair{key: key, value: value})
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read store for export: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Summary{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + globalconst.TempFileSuffix
	err = saveSnapshotFile(tmp, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(indexes))); err != nil {
			return fmt.Errorf("failed to write index count: %w", err)
		}
		for _, opts := range indexes {
			raw, err := json.Marshal(opts)
			if err != nil {
				return fmt.Errorf("failed to encode index '%s': %w", opts.Name(), err)
			}
			if err := writeLengthPrefixed(w, raw); err != nil {
				return fmt.Errorf("failed to write index '%s': %w", opts.Name(), err)
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(pairs))); err != nil {
			return fmt.Errorf("failed to write data count: %w", err)
		}
		for _, p := range pairs {
			if err := writeLengthPrefixed(w, []byte(p.key)); err != nil {
				return fmt.Errorf("failed to write key '%s': %w", p.key, err)
			}
			if err := writeLengthPrefixed(w, p.value); err != nil {
				return fmt.Errorf("failed to write value for key '%s': %w", p.key, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = os.Remove(tmp)
		return Summary{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Summary{}, fmt.Errorf("failed to rename temporary snapshot file to '%s': %w", path, err)
	}

	slog.Info("Snapshot exported", "path", path, "documents", len(pairs), "indexes", len(indexes))
	return Summary{Indexes: indexes, Documents: len(pairs)}, nil
}

func saveSnapshotFile(path string, write func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	enc, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	buf := bufio.NewWriter(enc)
	if err := write(buf); err != nil {
		_ = enc.Close()
		return err
	}
	if err := buf.Flush(); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot file to disk: %w", err)
	}
	return nil
}

// Import reads a snapshot written by Export and puts every pair into kv. Existing keys
// are overwritten.
func Import(ctx context.Context, kv store.KVStore, path string) (Summary, error) {
	file, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open snapshot '%s': %w", path, err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	r := bufio.NewReader(dec)

	var summary Summary
	var numIndexes uint32
	if err := binary.Read(r, binary.LittleEndian, &numIndexes); err != nil {
		return Summary{}, fmt.Errorf("failed to read index count from '%s': %w", path, err)
	}
	for i := 0; i < int(numIndexes); i++ {
		raw, err := readLengthPrefixed(r)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to read index %d: %w", i, err)
		}
		var opts index.Options
		if err := json.Unmarshal(raw, &opts); err != nil {
			return Summary{}, fmt.Errorf("failed to decode index %d: %w", i, err)
		}
		summary.Indexes = append(summary.Indexes, opts)
	}

	var numEntries uint32
	if err := binary.Read(r, binary.LittleEndian, &numEntries); err != nil {
		return Summary{}, fmt.Errorf("failed to read number of entries from '%s': %w", path, err)
	}
	for i := 0; i < int(numEntries); i++ {
		key, err := readLengthPrefixed(r)
		if err != nil {
			return summary, fmt.Errorf("failed to read key for entry %d: %w", i, err)
		}
		value, err := readLengthPrefixed(r)
		if err != nil {
			return summary, fmt.Errorf("failed to read value for key '%s': %w", key, err)
		}
		if err := kv.Put(ctx, string(key), value); err != nil {
			return summary, fmt.Errorf("failed to store key '%s': %w", key, err)
		}
		summary.Documents++
	}

	slog.Info("Snapshot imported", "path", path, "documents", summary.Documents, "indexes", len(summary.Indexes))
	return summary, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// BackupPath names a timestamped snapshot of collection inside dir.
func BackupPath(dir, collection string, at time.Time) string {
	return filepath.Join(dir, collection+"-"+at.Format("2006-01-02_15-04-05")+globalconst.SnapshotFileExtension)
}

// ListBackups returns the snapshots of collection in dir, oldest first.
func ListBackups(dir, collection string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	prefix := collection + "-"
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, globalconst.SnapshotFileExtension) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// PruneBackups keeps the newest keep snapshots of collection and deletes the rest.
func PruneBackups(dir, collection string, keep int) (int, error) {
	backups, err := ListBackups(dir, collection)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(backups)-removed > keep {
		path := backups[removed]
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove old backup '%s': %w", path, err)
		}
		slog.Info("Old backup deleted", "path", path)
		removed++
	}
	return removed, nil
}
