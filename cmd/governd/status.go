package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/governd/governd/internal/config"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running daemon's admin API and print the summary.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "admin API address (defaults to HTTP_ADDR)")
}

func runStatus() error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.LoadOptionalPlatform()
		if err != nil {
			return err
		}
		addr = cfg.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(addr + "/api/v1/summary")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &exitError{code: 2, err: fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
