package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Query the health endpoint of a running dschat server.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8080", "server base URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(statusAddr + "/health")
	if err != nil {
		fmt.Println("Status: unreachable")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Status: unhealthy (HTTP %d)\n", resp.StatusCode)
		return nil
	}

	var health struct {
		Status           string  `json:"status"`
		AgentInitialized bool    `json:"agent_initialized"`
		AgentState       string  `json:"agent_state"`
		ActiveSessions   int     `json:"active_sessions"`
		QueueDepth       int     `json:"queue_depth"`
		UptimeSeconds    float64 `json:"uptime_seconds"`
		Version          string  `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}

	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Agent: %s (initialized: %t)\n", health.AgentState, health.AgentInitialized)
	fmt.Printf("Sessions: %d\n", health.ActiveSessions)
	fmt.Printf("Queue depth: %d\n", health.QueueDepth)
	fmt.Printf("Uptime: %s\n", formatDuration(time.Duration(health.UptimeSeconds*float64(time.Second))))
	if health.Version != "" {
		fmt.Printf("Version: %s\n", health.Version)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
