package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"

	"ip-traffic-agent/handlers"
	"ip-traffic-agent/models"
	"ip-traffic-agent/services"
	"ip-traffic-agent/system"
)

func main() {
	cfg, err := models.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	if err := system.InitLogger(cfg.LogDir); err != nil {
		log.Printf("Warning: could not initialize file logger: %v", err)
	}
	defer system.Close()

	system.Info("ip-traffic-agent starting (backend: %s)", cfg.Backend)
	if cfg.Duration == 0 {
		system.Info("run mode: unbounded, sampling every %ds (Ctrl+C to stop)", cfg.SampleInterval)
	} else {
		system.Info("run mode: %ds total, sampling every %ds", cfg.Duration, cfg.SampleInterval)
	}

	// Both backends read kernel state only root can see.
	if os.Geteuid() != 0 {
		system.Error("this agent must run as root")
		log.Fatal("this agent must run as root")
	}

	// Geo enrichment. A bad database path is fatal; no path at all is fine.
	geo, err := services.NewGeoCache(cfg.GeoIPDB)
	if err != nil {
		system.Error("GeoIP initialization failed: %v", err)
		log.Fatalf("GeoIP initialization failed: %v", err)
	}
	defer geo.Close()

	conntable := services.NewConnTableResolver()
	procs := services.NewProcessCache(conntable, services.GopsutilScanner{})
	agg := services.NewTrafficAggregator()
	reporter := services.NewConsoleReporter(agg, procs)

	executor := system.NewExecutor()
	var backend services.TrafficBackend
	switch cfg.Backend {
	case models.BackendIftop:
		backend = services.NewIftopBackend(cfg.Interface, cfg.SampleInterval)
	case models.BackendBpftrace:
		backend = services.NewBpftraceBackend(cfg.SampleInterval, cfg.BpftraceScript, executor)
	}
	driver := services.NewBackendDriver(backend, agg, reporter)

	// Metrics endpoint, optional. Already-aggregated data stays servable
	// even if the backend later fails.
	var app *fiber.App
	if cfg.ListenPort > 0 {
		collector := services.NewTrafficCollector(agg, geo, procs, cfg.ExportThreshold)
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)
		h := handlers.NewHandler(registry)

		app = fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Use(compress.New())
		app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
			Output:     os.Stdout,
		}))
		app.Get("/metrics", h.GetMetrics())

		addr := fmt.Sprintf(":%d", cfg.ListenPort)
		system.Info("metrics endpoint: http://0.0.0.0%s/metrics", addr)
		go func() {
			if err := app.Listen(addr); err != nil {
				system.Error("metrics endpoint failed: %v", err)
			}
		}()
	} else {
		system.Info("metrics endpoint disabled")
	}

	// A backend that cannot start is logged and leaves the driver Failed;
	// the process keeps running so the endpoint can serve what it has.
	if err := driver.Start(); err != nil {
		system.Error("backend did not start, continuing without ingestion: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if cfg.Duration > 0 {
		select {
		case <-sig:
			system.Info("received shutdown signal")
		case <-time.After(time.Duration(cfg.Duration) * time.Second):
			system.Info("configured duration elapsed")
		}
	} else {
		<-sig
		system.Info("received shutdown signal")
	}

	system.Info("shutting down...")
	driver.Stop()
	if app != nil {
		_ = app.Shutdown()
	}
	system.Info("monitoring stopped (driver state: %s)", driver.State())
}
