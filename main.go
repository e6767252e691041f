// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/waterbalance/internal/api"
	"github.com/sapcc/waterbalance/internal/balance"
	"github.com/sapcc/waterbalance/internal/cache"
	"github.com/sapcc/waterbalance/internal/collector"
	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/license"
	"github.com/sapcc/waterbalance/internal/pprofapi"
	"github.com/sapcc/waterbalance/internal/pump"
	"github.com/sapcc/waterbalance/internal/series"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("WATERBALANCE_DEBUG")

	// first two arguments must be task name and configuration file
	if len(os.Args) != 3 {
		printUsageAndExit()
	}
	taskName, configPath := os.Args[1], os.Args[2]
	bininfo.SetTaskName(taskName)

	cfg, errs := core.NewConfiguration(configPath)
	if !errs.IsEmpty() {
		for _, err := range errs {
			logg.Error(err.Error())
		}
		logg.Fatal("configuration file %s is not valid", configPath)
	}

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	// connect to database (this also applies pending schema migrations)
	dbm := must.Return(db.Init())

	// assemble the component graph
	sharedCache := cache.New()
	calculator := balance.NewCalculator(dbm,
		series.NewFlowDiagram(dbm), series.NewMeterReadings(dbm), sharedCache)
	engine := pump.NewEngine(dbm, sharedCache, cfg.Features)
	manager := license.NewManager(dbm, license.NewClient(cfg.Licensing), cfg.Licensing)

	must.Succeed(manager.ValidateStartup(ctx))
	logg.Info("license state at startup: %q", manager.State())

	var task func(context.Context, core.SiteConfiguration, *collector.Collector) error
	switch taskName {
	case "calculate":
		task = taskCalculate
	case "collect":
		task = taskCollect
	case "serve":
		task = taskServe
	default:
		printUsageAndExit()
	}

	c := collector.NewCollector(cfg, dbm, calculator, engine, manager)
	err := task(ctx, cfg, c)
	if err != nil {
		logg.Fatal(err.Error())
	}
}

func printUsageAndExit() {
	fmt.Fprintf(os.Stderr, "usage: %s (calculate|collect|serve) <config-file>\n", os.Args[0])
	os.Exit(1)
}

// taskCalculate runs one balance calculation for the current month and exits.
func taskCalculate(ctx context.Context, cfg core.SiteConfiguration, c *collector.Collector) error {
	if !c.License.CheckInstantRevocation(ctx) {
		return c.License.DenialError()
	}

	month := db.MonthStart(c.TimeNow())
	result, err := c.Calculator.Calculate(month, -1)
	if err != nil {
		return err
	}
	err = c.Calculator.Save(result)
	if err != nil {
		return err
	}

	logg.Info("balance for %s: closure error %.1f m3 across %d facilities",
		month.Format("2006-01"), result.ClosureErrorM3, len(result.Facilities))
	for _, warning := range c.Calculator.CapacityWarnings() {
		logg.Info("capacity warning for %s: %s of %.0f m3", warning.FacilityCode, warning.Kind, warning.AmountM3)
	}
	return nil
}

// taskCollect runs the background jobs and exposes Prometheus metrics.
func taskCollect(ctx context.Context, cfg core.SiteConfiguration, c *collector.Collector) error {
	go c.CalculationJob(prometheus.DefaultRegisterer).Run(ctx)
	go c.LicenseCheckJob(prometheus.DefaultRegisterer).Run(ctx)
	go c.WatchLicenseStateChanges(ctx)
	prometheus.MustRegister(&collector.SiteMetricsCollector{DB: c.DB})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	listenAddr := cfg.Collector.MetricsListenAddress
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	logg.Info("listening on %s", listenAddr)
	return httpext.ListenAndServeContext(ctx, listenAddr, mux)
}

// taskServe runs the HTTP API.
func taskServe(ctx context.Context, cfg core.SiteConfiguration, c *collector.Collector) error {
	// the license check loop also runs here so that a long-running API server
	// does not outlive its revalidation cadence
	go c.LicenseCheckJob(prometheus.DefaultRegisterer).Run(ctx)
	go c.WatchLicenseStateChanges(ctx)
	prometheus.MustRegister(&collector.SiteMetricsCollector{DB: c.DB})

	handler := httpapi.Compose(
		api.NewV1API(cfg, c.DB, c.Calculator, c.Pump, c.License, c.TimeNow),
		httpapi.HealthCheckAPI{},
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	listenAddr := cfg.API.ListenAddress
	if listenAddr == "" {
		listenAddr = ":8000"
	}
	logg.Info("listening on %s", listenAddr)
	return httpext.ListenAndServeContext(ctx, listenAddr, mux)
}
