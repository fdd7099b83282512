package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/depot/pkg/types"
)

var flagStatusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status",
	Long: `Status reports the sync phase, the last session and the number of cached
rows per table. Without --server it reads the local cache; with --server it
asks a running depot serve.

Example:
  depot status
  depot status --server http://localhost:8470 --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagStatusServer, "server", "", "base URL of a running depot serve")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var (
		st  types.Status
		err error
	)
	if flagStatusServer != "" {
		st, err = fetchStatus(cmd, flagStatusServer)
	} else {
		st, err = localStatus(cmd)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		return printJSON(out, st)
	}
	printStatus(out, st)
	return nil
}

func localStatus(cmd *cobra.Command) (types.Status, error) {
	backend, err := attachBackend()
	if err != nil {
		return types.Status{}, sysErr(err)
	}
	defer logDetach(backend)

	eng, err := newEngine(backend, nil, nil)
	if err != nil {
		return types.Status{}, sysErr(err)
	}
	defer eng.Stop()
	return eng.Status(cmd.Context()), nil
}

func fetchStatus(cmd *cobra.Command, base string) (types.Status, error) {
	url := strings.TrimRight(base, "/") + "/api/status"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return types.Status{}, userErr(fmt.Errorf("status request: %w", err))
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return types.Status{}, sysErr(fmt.Errorf("status request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Status{}, sysErr(fmt.Errorf("status request: %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	var st types.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return types.Status{}, sysErr(fmt.Errorf("decode status: %w", err))
	}
	return st, nil
}

func printStatus(w io.Writer, st types.Status) {
	fmt.Fprintf(w, "phase:     %s\n", st.Phase)
	if st.IsSyncing {
		fmt.Fprintf(w, "progress:  %.0f%%\n", st.Progress*100)
	}
	conn := "disconnected"
	if st.IsRealtimeConnected {
		conn = "connected"
	}
	fmt.Fprintf(w, "realtime:  %s\n", conn)
	if st.Connection.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", st.Connection.LastError)
	}
	if s := st.LastSession; s != nil {
		fmt.Fprintf(w, "last sync: %s %s (%s)\n", s.Status, s.FinishedAt.Local().Format(time.DateTime), s.Trigger)
		if failed := s.FailedTables(); len(failed) > 0 {
			fmt.Fprintf(w, "  failed:  %s\n", strings.Join(failed, ", "))
		}
	}

	names := make([]string, 0, len(st.CacheStats))
	for name := range st.CacheStats {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "cache:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %8d\n", name, st.CacheStats[name])
	}
}
