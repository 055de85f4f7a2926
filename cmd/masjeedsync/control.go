package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"masjeedsync/internal/masjeedsync"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

func addrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", getenvDefault("MASJEEDSYNC_ADDR", "http://localhost:8090"), "base URL of a running sidecar")
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and the offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st masjeedsync.ClientState
			if err := call(http.MethodGet, addr, "/__offline/status", nil, &st); err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

func syncCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the offline queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st masjeedsync.ClientState
			if err := call(http.MethodPost, addr, "/__offline/sync", nil, &st); err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

func retryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry one queued request now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st masjeedsync.ClientState
			if err := call(http.MethodPost, addr, "/__offline/retry/"+url.PathEscape(args[0]), nil, &st); err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

func clearCmd() *cobra.Command {
	var (
		addr string
		yes  bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued request (irreversible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			var st masjeedsync.ClientState
			if err := call(http.MethodPost, addr, "/__offline/clear", nil, &st); err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}
	addrFlag(cmd, &addr)
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing the queue")
	return cmd
}

func connectivityCmd(name string, online bool) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Report the device as %s", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st masjeedsync.ConnectivityState
			if err := call(http.MethodPost, addr, "/__offline/connectivity", map[string]bool{"online": online}, &st); err != nil {
				return err
			}
			fmt.Printf("Connectivity: %s\n", onlineLabel(st.IsOnline))
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

func call(method, addr, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(addr, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach sidecar at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(b, out)
}

func onlineLabel(online bool) string {
	if online {
		return color.New(color.FgGreen).Sprint("online")
	}
	return color.New(color.FgRed).Sprint("offline")
}

func printState(st masjeedsync.ClientState) {
	c := st.Connectivity
	fmt.Printf("Connectivity: %s", onlineLabel(c.IsOnline))
	if c.SyncInProgress {
		fmt.Print(color.New(color.FgYellow).Sprint(" (syncing)"))
	}
	fmt.Println()
	if c.LastSyncAt != nil {
		fmt.Printf("Last sync:    %s\n", c.LastSyncAt.Local().Format(time.RFC1123))
	}

	fmt.Println()
	fmt.Printf("Queued requests: %d\n", st.Queue.Total)
	cats := make([]string, 0, len(st.Queue.ByType))
	for k := range st.Queue.ByType {
		cats = append(cats, string(k))
	}
	sort.Strings(cats)
	for _, k := range cats {
		fmt.Printf("  %-14s %d\n", k, st.Queue.ByType[masjeedsync.Category(k)])
	}
	for _, q := range st.Queue.Items {
		retries := fmt.Sprintf("%d/%d", q.RetryCount, q.MaxRetries)
		if q.RetryCount > 0 {
			retries = color.New(color.FgYellow).Sprint(retries)
		}
		fmt.Printf("  %s %-6s %s  retries=%s  queued %s\n",
			color.New(color.FgCyan).Sprint(q.ID), q.Method, q.URL, retries,
			q.EnqueuedAt.Local().Format(time.Kitchen))
	}

	s := st.Stats
	fmt.Println()
	fmt.Printf("Replayed: %d  Gave up: %d  Cache hits: %d  Offline answers: %d\n",
		s.Replayed, s.Exhausted, s.CacheHits, s.OfflineResponses)
}
