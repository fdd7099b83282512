package sqlite

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// importBatch is the number of records written per UpsertMany call during
// Import.
const importBatch = 500

// Export writes every stored row of the given tables, tombstones included,
// to w as one JSON CacheRecord per line. An empty tables list exports all
// attached tables. It returns the number of records written.
func (b *Backend) Export(ctx context.Context, w io.Writer, tables []string) (int, error) {
	if len(tables) == 0 {
		tables = types.TableNames(b.Tables())
	}
	bw := bufio.NewWriter(w)
	n := 0
	for _, table := range tables {
		err := b.each(ctx, table, func(r types.CacheRecord) error {
			line, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encoding %s/%s: %w", table, r.Key, err)
			}
			if _, err := bw.Write(line); err != nil {
				return err
			}
			n++
			return bw.WriteByte('\n')
		})
		if err != nil {
			return n, fmt.Errorf("exporting %s: %w", table, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flushing export: %w", err)
	}
	return n, nil
}

// ExportFile atomically writes an Export snapshot to path using the
// temp-file, fsync, rename pattern.
func (b *Backend) ExportFile(ctx context.Context, path string, tables []string) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating export dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := b.Export(ctx, tmp, tables)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("renaming temp file: %w", err)
	}
	return n, nil
}

// Import reads JSONL CacheRecords from r and writes them through UpsertMany,
// so rows older than the cache are skipped. Malformed lines and records for
// tables that are not attached are skipped. It returns the number of rows
// written.
func (b *Backend) Import(ctx context.Context, r io.Reader) (int, error) {
	attached := make(map[string]bool)
	for _, td := range b.Tables() {
		attached[td.Name] = true
	}

	pending := make(map[string][]types.CacheRecord)
	applied := 0
	flush := func(table string) error {
		n, err := b.UpsertMany(ctx, table, pending[table])
		if err != nil {
			return err
		}
		applied += n
		pending[table] = pending[table][:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.CacheRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Key == "" || !attached[rec.Table] {
			skipped++
			continue
		}
		pending[rec.Table] = append(pending[rec.Table], rec)
		if len(pending[rec.Table]) >= importBatch {
			if err := flush(rec.Table); err != nil {
				return applied, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return applied, fmt.Errorf("reading import: %w", err)
	}
	for table := range pending {
		if err := flush(table); err != nil {
			return applied, err
		}
	}
	if skipped > 0 {
		b.logger.Warn("import skipped lines", zap.Int("skipped", skipped))
	}
	return applied, nil
}

// ImportFile imports a JSONL snapshot from path.
func (b *Backend) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return b.Import(ctx, f)
}
