package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd queries a running instance's health endpoint.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health of a running Banken instance",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "http://localhost:8080", "base address of the running instance")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var snapshot map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	pretty, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}
