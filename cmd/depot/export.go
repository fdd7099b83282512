package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/depot/internal/snapshot"
	"github.com/mesh-intelligence/depot/pkg/types"
)

var (
	flagExportOut    string
	flagExportTables []string
	flagExportS3     bool
	flagImportS3Key  string
	flagS3Bucket     string
	flagS3Prefix     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a JSONL snapshot of the cache",
	Long: `Export writes every cached row, tombstones included, as one JSON record
per line. With --s3 the snapshot is uploaded to the configured bucket under
a timestamped key.

Example:
  depot export --out catalog.jsonl
  depot export --table stores --table products
  depot export --s3 --s3-bucket depot-snapshots`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load a JSONL snapshot into the cache",
	Long: `Import reads a snapshot written by export. Rows older than the cached
ones are skipped, so importing never rolls the cache back.

Example:
  depot import catalog.jsonl
  depot import --s3-key depot/depot-20260304T040607Z.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "-", "output file, - for stdout")
	exportCmd.Flags().StringArrayVar(&flagExportTables, "table", nil, "table to export (repeatable; default: all)")
	exportCmd.Flags().BoolVar(&flagExportS3, "s3", false, "upload the snapshot to S3")
	importCmd.Flags().StringVar(&flagImportS3Key, "s3-key", "", "object key to download instead of a local file")

	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringVar(&flagS3Bucket, "s3-bucket", "", "bucket (default: snapshot.s3.bucket)")
		c.Flags().StringVar(&flagS3Prefix, "s3-prefix", "", "key prefix (default: snapshot.s3.prefix)")
	}
}

func newUploader(cmd *cobra.Command) (*snapshot.Uploader, error) {
	s3cfg := cfg.Snapshot.S3
	if flagS3Bucket != "" {
		s3cfg.Bucket = flagS3Bucket
	}
	if flagS3Prefix != "" {
		s3cfg.Prefix = flagS3Prefix
	}
	up, err := snapshot.NewUploader(cmd.Context(), s3cfg, snapshot.WithLogger(logger.Named("snapshot")))
	if err != nil {
		return nil, userErr(err)
	}
	return up, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	tables, err := resolveTables(flagExportTables)
	if err != nil {
		return userErr(err)
	}
	names := types.TableNames(tables)

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	defer logDetach(backend)
	ctx := cmd.Context()

	if flagExportS3 {
		up, err := newUploader(cmd)
		if err != nil {
			return err
		}
		tmp, err := os.MkdirTemp("", "depot-export-")
		if err != nil {
			return sysErr(err)
		}
		defer os.RemoveAll(tmp)

		path := filepath.Join(tmp, "snapshot.jsonl")
		n, err := backend.ExportFile(ctx, path, names)
		if err != nil {
			return sysErr(err)
		}
		key := up.Key(time.Now())
		if err := up.UploadFile(ctx, key, path); err != nil {
			return sysErr(err)
		}
		return reportTransfer(cmd, "exported", n, key)
	}

	if flagExportOut == "-" {
		_, err := backend.Export(ctx, cmd.OutOrStdout(), names)
		if err != nil {
			return sysErr(err)
		}
		return nil
	}
	n, err := backend.ExportFile(ctx, flagExportOut, names)
	if err != nil {
		return sysErr(err)
	}
	return reportTransfer(cmd, "exported", n, flagExportOut)
}

func runImport(cmd *cobra.Command, args []string) error {
	if (len(args) == 1) == (flagImportS3Key != "") {
		return userErr(errors.New("import needs exactly one of a file or --s3-key"))
	}

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	defer logDetach(backend)
	ctx := cmd.Context()

	path := ""
	source := flagImportS3Key
	if len(args) == 1 {
		path, source = args[0], args[0]
	} else {
		up, err := newUploader(cmd)
		if err != nil {
			return err
		}
		f, err := os.CreateTemp("", "depot-import-*.jsonl")
		if err != nil {
			return sysErr(err)
		}
		defer os.Remove(f.Name())
		_, err = up.Download(ctx, flagImportS3Key, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return sysErr(err)
		}
		path = f.Name()
	}

	n, err := backend.ImportFile(ctx, path)
	if err != nil {
		return sysErr(err)
	}
	return reportTransfer(cmd, "imported", n, source)
}

func reportTransfer(cmd *cobra.Command, verb string, n int, where string) error {
	out := cmd.OutOrStdout()
	if flagJSON {
		return printJSON(out, map[string]any{verb: n, "location": where})
	}
	fmt.Fprintf(out, "%s %d rows (%s)\n", verb, n, where)
	return nil
}
