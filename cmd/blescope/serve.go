package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/httpapi"
	"github.com/srg/blescope/internal/monitor"
	mqttsink "github.com/srg/blescope/internal/sink/mqtt"
	"github.com/srg/blescope/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Scan continuously and serve the device API",
	Long: `Start scanning and serve the HTTP API:

  GET  /devices                  device list
  POST /devices/{id}/connect     connect and wait for the outcome
  POST /devices/{id}/disconnect  tear the session down
  GET  /scan, POST /scan/start, POST /scan/stop
  GET  /events                   server-sent events (replay, then live)
  GET  /ws                       WebSocket (snapshot, replay, then live)

Events are mirrored to MQTT when --mqtt-broker is set.
SIGINT or SIGTERM shuts down cleanly.`,
	RunE: runServe,
}

var (
	serveTransport       string
	serveListen          string
	serveMinRSSI         int
	serveAllowDuplicates bool
	serveMQTTBroker      string
)

func init() {
	serveCmd.Flags().StringVarP(&serveTransport, "transport", "t", config.TransportDirect, "Transport backend (direct, bluez)")
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", ":3000", "HTTP listen address")
	serveCmd.Flags().IntVar(&serveMinRSSI, "min-rssi", 0, "Drop advertisements weaker than this RSSI (0 disables)")
	serveCmd.Flags().BoolVar(&serveAllowDuplicates, "allow-duplicates", true, "Report every advertisement, not just the first per device")
	serveCmd.Flags().StringVar(&serveMQTTBroker, "mqtt-broker", "", "MQTT broker url, e.g. tcp://localhost:1883")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = serveTransport
	}
	if flags.Changed("listen") {
		cfg.Listen = serveListen
	}
	if flags.Changed("min-rssi") {
		cfg.Scan.MinRSSI = serveMinRSSI
	}
	if flags.Changed("allow-duplicates") {
		cfg.Scan.AllowDuplicates = serveAllowDuplicates
	}
	if flags.Changed("mqtt-broker") {
		cfg.MQTT.Broker = serveMQTTBroker
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs the hub and its shells until ctx is cancelled or the HTTP
// server fails
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	h, err := newHub(cfg, logger)
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		_ = h.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g groutine.Group

	mon := monitor.New(h, monitor.Options{
		HealthInterval:  cfg.Monitor.HealthInterval,
		SummaryInterval: cfg.Monitor.SummaryInterval,
		SummaryRows:     cfg.Monitor.SummaryRows,
	}, logger)
	g.Go(ctx, "monitor", mon.Run)

	if cfg.MQTT.Broker != "" {
		client, err := mqttsink.Dial(mqttsink.ClientOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
		}, logger)
		if err != nil {
			logger.WithField("error", err).Warn("MQTT sink disabled")
		} else {
			defer client.Close()
			sink := mqttsink.NewSink(client, cfg.MQTT.Topic, logger)
			sub := h.Subscribe()
			g.Go(ctx, "mqtt-sink", func(ctx context.Context) { sink.Run(ctx, sub) })
		}
	}

	var serveErr error
	api := httpapi.New(h, logger)
	g.Go(ctx, "http", func(ctx context.Context) {
		if err := api.ListenAndServe(ctx, cfg.Listen); err != nil {
			serveErr = err
			cancel()
		}
	})

	logger.WithFields(logrus.Fields{
		"transport": cfg.Transport,
		"listen":    cfg.Listen,
	}).Info("blescope running")

	<-ctx.Done()
	logger.Info("Shutting down")

	closeErr := h.Close()
	g.Wait()

	if serveErr != nil {
		return serveErr
	}
	return closeErr
}
