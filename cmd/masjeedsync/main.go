package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "masjeedsync",
		Short: "Offline sync sidecar for the Masjeed community app",
		Long: `masjeedsync sits between the Masjeed PWA and its API. It caches reads,
queues writes that fail while offline and replays them with backoff when the
connection returns.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(connectivityCmd("online", true))
	rootCmd.AddCommand(connectivityCmd("offline", false))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
