package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/relay/internal/server"
)

func statsCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a running relay's client count and uptime",
		Long: `Query the /stats endpoint of a running relay and print the result.

Examples:
  relay stats
  relay stats --addr=http://relay.internal:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			stats, err := fetchStats(ctx, addr)
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), addr, stats)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "http://localhost:8080", "Relay base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

func fetchStats(ctx context.Context, addr string) (server.Stats, error) {
	url := strings.TrimRight(addr, "/") + "/stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return server.Stats{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return server.Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return server.Stats{}, fmt.Errorf("fetch stats: unexpected status %s", resp.Status)
	}

	var stats server.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return server.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func renderStats(w io.Writer, addr string, stats server.Stats) {
	uptime := time.Duration(stats.UptimeSeconds * float64(time.Second)).Round(time.Second)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Relay", "Clients", "Uptime"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{addr, strconv.Itoa(stats.Clients), uptime.String()})
	table.Render()
}
