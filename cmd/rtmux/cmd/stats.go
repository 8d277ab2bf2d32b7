package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brianly1003/rtmux/internal/config"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/spf13/cobra"
)

var (
	statsAddr string
	statsList bool
	statsJSON bool
)

// statsCmd queries a running server.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show subscription stats of a running server",
	Long: `Show subscription stats of a running rtmux server.

Examples:
  rtmux stats
  rtmux stats --list             # include every subscription
  rtmux stats --addr host:9000 --json`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsAddr, "addr", "", "server address (default from config)")
	statsCmd.Flags().BoolVar(&statsList, "list", false, "list subscriptions")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print raw JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	addr := statsAddr
	if addr == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	base := baseURL(addr)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var stats realtime.Stats
	if err := getJSON(ctx, base+"/api/stats", &stats); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if statsJSON && !statsList {
		return json.NewEncoder(w).Encode(stats)
	}

	var subs []realtime.SubscriptionInfo
	if statsList {
		if err := getJSON(ctx, base+"/api/subscriptions", &subs); err != nil {
			return err
		}
	}
	if statsJSON {
		return json.NewEncoder(w).Encode(map[string]any{"stats": stats, "subscriptions": subs})
	}

	printStats(w, stats)
	if statsList {
		fmt.Fprintln(w)
		printSubscriptions(w, subs)
	}
	return nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printStats(w io.Writer, s realtime.Stats) {
	fmt.Fprintf(w, "Connection:   %s\n", s.ConnectionState)
	fmt.Fprintf(w, "Total:        %d\n", s.Total)
	fmt.Fprintf(w, "Active:       %d\n", s.Active)
	fmt.Fprintf(w, "Idle:         %d\n", s.Idle)
	fmt.Fprintf(w, "Subscribers:  %d\n", s.TotalSubscribers)

	priorities := make([]string, 0, len(s.ByPriority))
	for p := range s.ByPriority {
		priorities = append(priorities, string(p))
	}
	sort.Strings(priorities)
	for _, p := range priorities {
		fmt.Fprintf(w, "  %-10s  %d\n", p, s.ByPriority[realtime.Priority(p)])
	}
}

func printSubscriptions(w io.Writer, subs []realtime.SubscriptionInfo) {
	if len(subs) == 0 {
		fmt.Fprintln(w, "No subscriptions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tPRIORITY\tSUBSCRIBERS\tSTATE\tRETRIES")
	for _, sub := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n", sub.Key, sub.Priority, sub.Subscribers, sub.ChannelState, sub.RetryCount)
	}
	_ = tw.Flush()
}
