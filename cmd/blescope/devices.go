package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/monitor"
	"github.com/srg/blescope/pkg/config"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Scan for a fixed duration and print the discovered devices",
	Long: `Scan for Bluetooth Low Energy devices for --duration, then print every
device seen, sorted by name with unnamed devices last.`,
	RunE: runDevices,
}

var (
	devicesDuration time.Duration
	devicesFormat   string

	// now is the clock LAST SEEN ages are measured against
	now = time.Now
)

func init() {
	devicesCmd.Flags().DurationVarP(&devicesDuration, "duration", "d", 10*time.Second, "Scan duration")
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "Output format (table, json)")
}

func runDevices(cmd *cobra.Command, _ []string) error {
	if devicesFormat != "table" && devicesFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", devicesFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		cfg.ScanTimeout = devicesDuration
	}
	if cfg.ScanTimeout <= 0 {
		return fmt.Errorf("--duration must be positive")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := collectDevices(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if devicesFormat == "json" {
		return displayDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices)
}

// collectDevices scans for cfg.ScanTimeout, or until ctx ends, and returns
// the sorted device list
func collectDevices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) ([]*device.Device, error) {
	h, err := newHub(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if err := h.Start(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(cfg.ScanTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		logger.Info("Scan interrupted")
	case <-timer.C:
	}

	devices := h.ListDevices()
	device.SortByName(devices)
	return devices, nil
}

func displayDevicesTable(out io.Writer, devices []*device.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSERVICES\tLAST SEEN\tRSSI")
	// one rule per column keeps the header in the rows' column block
	fmt.Fprintln(w, "----\t-------\t--------\t---------\t----")

	for _, d := range devices {
		name := d.LocalName
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		address := d.Address
		if address == "" {
			address = d.ID
		}

		services := strings.Join(d.ServiceUUIDs, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := "-"
		if !d.LastSeen.IsZero() {
			lastSeen = now().Sub(d.LastSeen).Truncate(time.Second).String() + " ago"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			name, address, services, lastSeen, monitor.FormatRSSI(d.LastRSSI))
	}

	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []*device.Device) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}
