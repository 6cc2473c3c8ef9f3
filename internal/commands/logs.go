package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/store"
)

// FetchLog requests the log file, archives it, and writes it to output.
// output "-" prints the log; empty skips the file copy. st may be nil.
func FetchLog(ctx context.Context, c *api.Client, st *store.Store, w io.Writer, output string) (logstream.Log, error) {
	fmt.Fprint(w, logstream.RequestPrompt)

	l, err := c.FetchLog(ctx)
	if err != nil {
		return l, fmt.Errorf("failed to fetch log: %w", err)
	}
	if output == "-" {
		fmt.Fprint(w, l.Display())
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "Received %d bytes\n", len(l.Data))
	}

	if st != nil && !l.Empty() {
		hash, isNew, err := st.Import(l.Data, store.NewSource("fetch", c.Address(), ""))
		if err != nil {
			return l, fmt.Errorf("failed to archive log: %w", err)
		}
		if isNew {
			fmt.Fprintf(w, "Archived as %s\n", store.ShortHash(hash))
		} else {
			fmt.Fprintf(w, "Already archived as %s\n", store.ShortHash(hash))
		}
	}

	if output != "" && output != "-" {
		if err := os.WriteFile(output, l.Data, 0o644); err != nil {
			return l, fmt.Errorf("failed to write file: %w", err)
		}
		fmt.Fprintf(w, "Saved to: %s\n", output)
	}
	return l, nil
}

// ClearLogs deletes the logs stored on the device.
func ClearLogs(ctx context.Context, c *api.Client, w io.Writer) error {
	if err := c.ClearLogs(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "Logs cleared")
	return nil
}

// ListLogs prints the archive index.
func ListLogs(st *store.Store, w io.Writer) error {
	entries, err := st.List()
	if err != nil {
		return fmt.Errorf("failed to list logs: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No logs in store.")
		fmt.Fprintln(w, "Fetch one with: pmlog logs fetch")
		return nil
	}

	fmt.Fprintf(w, "Found %d log(s):\n\n", len(entries))
	for _, e := range entries {
		device := e.Device
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(w, "  %s  %s  %6d rows  %8d B  %-17s  x%d\n",
			store.ShortHash(e.Hash),
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			e.Rows,
			e.Size,
			device,
			e.Copies)
	}
	return nil
}

// ShowLog prints the metadata of an archived log.
func ShowLog(st *store.Store, w io.Writer, hash string) error {
	full, err := st.Resolve(hash)
	if err != nil {
		return err
	}
	meta, err := st.GetMetadata(full)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// ExportLog copies an archived log to dest.
func ExportLog(st *store.Store, w io.Writer, hash, dest string) error {
	full, err := st.Resolve(hash)
	if err != nil {
		return err
	}
	if dest == "" {
		dest = protocol.LogFileName
	}
	if err := st.Export(full, dest); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	fmt.Fprintf(w, "Exported to: %s\n", dest)
	return nil
}

// ImportLog adds a CSV file to the archive.
func ImportLog(st *store.Store, w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	hash, isNew, err := st.Import(data, store.NewSource("import", "", path))
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}
	if isNew {
		fmt.Fprintf(w, "Imported new log: %s\n", store.ShortHash(hash))
	} else {
		fmt.Fprintf(w, "Log already exists: %s (added source)\n", store.ShortHash(hash))
	}
	return nil
}
