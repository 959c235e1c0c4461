package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/veilcrawl/veilcrawl/internal/config"
	"github.com/veilcrawl/veilcrawl/internal/proxy"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe configured proxy endpoints once and print the results",
		Long: `Issues one reachability check through every configured proxy endpoint
and prints a table of results. Useful for validating a proxy list
before starting the service.`,
		RunE: runProbe,
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "per-endpoint probe timeout")
	return cmd
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Proxy.Endpoints) == 0 {
		return fmt.Errorf("no proxy endpoints configured")
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	probeURL := cfg.Proxy.HealthCheck.URL
	if probeURL == "" {
		probeURL = "https://www.example.com/"
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Country", "Provider", "Result", "Latency"})

	for _, ec := range cfg.Proxy.Endpoints {
		e := &proxy.Endpoint{
			Host:     ec.Host,
			Port:     ec.Port,
			Protocol: ec.Protocol,
			Username: ec.Username,
			Password: ec.Password,
		}
		start := time.Now()
		err := probeEndpoint(cmd.Context(), e, probeURL, timeout)
		latency := time.Since(start).Round(time.Millisecond)

		result := "ok"
		if err != nil {
			result = err.Error()
		}
		t.AppendRow(table.Row{e.Key(), ec.CountryCode, ec.Provider, result, latency})
	}

	t.Render()
	return nil
}

func probeEndpoint(ctx context.Context, e *proxy.Endpoint, target string, timeout time.Duration) error {
	proxyURL, err := url.Parse(e.URL())
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
