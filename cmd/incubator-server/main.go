package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"incubator/pkg/drivers/tower"
	"incubator/pkg/incubator"
	"incubator/pkg/monitor"
	"incubator/pkg/server"
	"incubator/pkg/transport"
	"incubator/templates"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

// defaultConfig builds the configuration stored for a driver on first start.
func defaultConfig(c *cli.Context, floor int) tower.Config {
	cfg := tower.DefaultConfig
	cfg.Port = c.String("com-port")
	cfg.Family = c.String("family")
	cfg.DeviceID = c.Int("device-id")
	cfg.StackFloor = floor
	cfg.Transport = c.String("transport")
	cfg.Baud = c.Int("baud")
	cfg.Strict = c.Bool("strict")
	cfg.Broker = c.String("mqtt-broker")
	cfg.Username = c.String("mqtt-username")
	cfg.Password = c.String("mqtt-password")
	cfg.TopicRoot = c.String("mqtt-topic")
	if c.Bool("simulate") {
		cfg.Transport = tower.TransportSimulator
	}
	return cfg
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Incubator Server")

	if _, err := incubator.FamilyByName(c.String("family")); err != nil {
		return err
	}

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	metrics := monitor.NewMetrics()
	registry := transport.NewRegistry()
	towerLogger := log.WithField("component", "tower")
	tw := tower.NewTower(registry, metrics, tower.NewTransportFactory(towerLogger), towerLogger)
	defer tw.Close()

	floors := c.IntSlice("stack-floor")
	if len(floors) == 0 {
		floors = []int{0}
	}

	devices := make([]server.Device, 0, len(floors))
	for number, floor := range floors {
		driver, err := tower.NewDriver(number, db, defaultConfig(c, floor), tw, tmpl,
			log.WithField("device", fmt.Sprintf("incubator-%d", number)),
			tower.WithIncubationObserver(metrics))
		if err != nil {
			return fmt.Errorf("failed to create incubator driver %d: %w", number, err)
		}
		defer driver.Close()

		if c.Bool("connect") {
			if err := driver.Connect(); err != nil {
				log.Errorf("Failed to connect incubator %d: %v", number, err)
			}
		}
		devices = append(devices, driver)
	}

	serverDesc := server.ServerDescription{
		Name:                "Incubator Server",
		Manufacturer:        "Inheco/Tekmatic",
		ManufacturerVersion: "1.0",
		Location:            c.String("location"),
	}
	srv := server.NewServer(serverDesc, devices, tmpl, metrics.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: srv.AddRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Could not listen on %s: %v", httpServer.Addr, err)
			stop()
		}
	}()

	if c.Bool("discovery") {
		dr := server.NewDiscoveryResponder("0.0.0.0", c.Int("port"), log.WithField("component", "discovery"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dr.Run(ctx); err != nil {
				log.Errorf("Discovery responder failed: %v", err)
			}
			log.Debug("Discovery responder stopped")
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "incubator-server",
		Usage: "REST server for Inheco and Tekmatic incubators",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"INCUBATOR_HTTP_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Configuration database",
				Value:   "incubator.db",
				EnvVars: []string{"INCUBATOR_DB"},
			},
			&cli.StringFlag{
				Name:    "location",
				Usage:   "Location reported by the management API",
				EnvVars: []string{"INCUBATOR_LOCATION"},
			},
			&cli.StringFlag{
				Name:    "com-port",
				Usage:   "COM port of the tower",
				Value:   tower.DefaultConfig.Port,
				EnvVars: []string{"INCUBATOR_COM_PORT"},
			},
			&cli.StringFlag{
				Name:    "family",
				Usage:   "Incubator family: inheco or tekmatic",
				Value:   incubator.Inheco.Name,
				EnvVars: []string{"INCUBATOR_FAMILY"},
			},
			&cli.IntFlag{
				Name:    "device-id",
				Usage:   "Bus address of the tower, 0 for the family default",
				EnvVars: []string{"INCUBATOR_DEVICE_ID"},
			},
			&cli.IntSliceFlag{
				Name:    "stack-floor",
				Usage:   "Stack floor to serve, repeat for each incubator of the tower",
				EnvVars: []string{"INCUBATOR_STACK_FLOORS"},
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Transport: serial, mqtt or sim",
				Value:   tower.TransportSerial,
				EnvVars: []string{"INCUBATOR_TRANSPORT"},
			},
			&cli.BoolFlag{
				Name:    "simulate",
				Usage:   "Use the simulated tower",
				EnvVars: []string{"INCUBATOR_SIMULATE"},
			},
			&cli.IntFlag{
				Name:    "baud",
				Usage:   "Serial baud rate",
				Value:   transport.DefaultBaud,
				EnvVars: []string{"INCUBATOR_BAUD"},
			},
			&cli.BoolFlag{
				Name:    "strict",
				Usage:   "Reject device IDs and stack floors above 255",
				EnvVars: []string{"INCUBATOR_STRICT"},
			},
			&cli.StringFlag{
				Name:    "mqtt-broker",
				Usage:   "MQTT broker of the remote bridge",
				Value:   tower.DefaultConfig.Broker,
				EnvVars: []string{"MQTT_BROKER"},
			},
			&cli.StringFlag{
				Name:    "mqtt-username",
				EnvVars: []string{"MQTT_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "mqtt-password",
				EnvVars: []string{"MQTT_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "mqtt-topic",
				Usage:   "Topic root of the remote bridge",
				Value:   tower.DefaultConfig.TopicRoot,
				EnvVars: []string{"MQTT_TOPIC"},
			},
			&cli.BoolFlag{
				Name:  "connect",
				Usage: "Connect the incubators at start",
			},
			&cli.BoolFlag{
				Name:  "discovery",
				Usage: "Answer discovery broadcasts",
				Value: true,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
