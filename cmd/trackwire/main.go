// Command trackwire runs the fleet telemetry pipeline: raw fixes flow
// through the position filter into the durable queue, acceleration samples
// feed the motion classifier, and the upload worker drains the queue to the
// configured tracking server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/trackwire/trackwire/internal/api"
	"github.com/trackwire/trackwire/internal/config"
	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/motion"
	"github.com/trackwire/trackwire/internal/provider"
	"github.com/trackwire/trackwire/internal/store"
	"github.com/trackwire/trackwire/internal/track"
	"github.com/trackwire/trackwire/internal/trackfilter"
	"github.com/trackwire/trackwire/internal/worker"
)

var (
	configPath  = flag.String("config", config.DefaultPath, "Path to the settings file")
	dbPath      = flag.String("db", "trackwire.db", "Path to the queue database")
	listen      = flag.String("listen", ":8080", "Diagnostics listen address")
	gpsPort     = flag.String("gps", "", "NMEA serial port, e.g. /dev/ttyUSB0")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker for remote sensors, e.g. tcp://localhost:1883")
	mqttPrefix  = flag.String("mqtt-topic", "", "MQTT topic prefix (default trackwire/<device id>)")
	batteryPath = flag.String("battery", "", "Power supply sysfs directory, e.g. /sys/class/power_supply/BAT0")
)

func main() {
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *gpsPort == "" && *mqttBroker == "" {
		log.Fatal("no fix source: set -gps or -mqtt")
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open queue database: %v", err)
	}
	defer db.Close()

	classifier := motion.New(motion.Options{Threshold: cfg.MotionThreshold})

	// only the MQTT provider carries acceleration samples; with a bare NMEA
	// port the classifier never observes motion, so the filter must fall
	// back to GPS speed instead of waiting on accelerometer evidence
	hasAccel := *mqttBroker != ""
	filterMotion, workerMotion := motionSources(classifier, hasAccel)
	var accel *motion.Classifier
	if hasAccel {
		accel = classifier
	}

	filter := trackfilter.New(trackfilter.Options{
		ReportInterval:        cfg.ReportInterval,
		MinDistanceM:          cfg.MinDistanceM,
		MinAngleDeg:           cfg.MinAngleDeg,
		AccelConfidenceMoving: cfg.AccelConfidenceMoving,
		MinSats:               cfg.MinSatellites,
		MaxAccuracyM:          cfg.MaxAccuracyM,
		JumpGuard:             cfg.JumpGuardEnabled,
	}, filterMotion)

	battery := provider.StaticBattery(100)
	if *batteryPath != "" {
		battery = provider.SysfsBattery(*batteryPath)
	}

	fixBus := track.NewBus[provider.Fix]()
	fixes := make(chan provider.Fix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if *gpsPort != "" {
		nmea, err := provider.OpenNMEA(*gpsPort, cfg.DeviceID)
		if err != nil {
			log.Fatalf("failed to open gps port: %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := nmea.Run(ctx); err != nil && err != context.Canceled {
				monitoring.Logf("nmea provider terminated: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			forwardFixes(ctx, nmea.Fixes(), fixes)
		}()
	}

	if *mqttBroker != "" {
		prefix := *mqttPrefix
		if prefix == "" {
			prefix = "trackwire/" + cfg.DeviceID
		}
		mq := provider.NewMQTTProvider(*mqttBroker, prefix, cfg.DeviceID)
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := mq.Run(ctx); err != nil && err != context.Canceled {
				monitoring.Logf("mqtt provider terminated: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			forwardFixes(ctx, mq.Fixes(), fixes)
		}()
		go func() {
			defer wg.Done()
			for sample := range mq.Accel() {
				classifier.Observe(sample)
			}
		}()
	}

	// the fix consumer is the single writer of the filter
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeFixes(ctx, fixes, fixBus, filter, accel, battery, db)
	}()

	w := worker.New(worker.Options{
		Queue:   db,
		Config:  loader.Load,
		Battery: battery,
		Motion:  workerMotion,
		ApplyConfig: func(c config.Config) {
			classifier.SetThreshold(c.MotionThreshold)
			filter.SetAccelConfidenceMoving(c.AccelConfidenceMoving)
		},
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			monitoring.Logf("worker terminated: %v", err)
		}
	}()

	// diagnostics HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(db, classifier, fixBus).ServeMux()
		server := &http.Server{Addr: *listen, Handler: mux}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start diagnostics server: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("diagnostics server shutdown: %v", err)
		}
	}()

	monitoring.Logf("trackwire started device=%s protocol=%s target=%s:%d",
		cfg.DeviceID, cfg.Protocol, cfg.Host, cfg.Port)
	wg.Wait()
}

// motionSources returns the filter's and worker's views of the classifier,
// or typed nils when no acceleration stream exists.
func motionSources(c *motion.Classifier, hasAccel bool) (trackfilter.MotionSource, worker.MotionSource) {
	if !hasAccel {
		return nil, nil
	}
	return c, c
}

func forwardFixes(ctx context.Context, in <-chan provider.Fix, out chan<- provider.Fix) {
	for fix := range in {
		select {
		case out <- fix:
		case <-ctx.Done():
			return
		}
	}
}

// consumeFixes feeds raw fixes through the filter and queues whatever it
// emits, stamping each accepted report with the motion side channel.
func consumeFixes(ctx context.Context, fixes <-chan provider.Fix, bus *track.Bus[provider.Fix],
	filter *trackfilter.Filter, classifier *motion.Classifier, battery track.BatteryReader, db *store.DB) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix := <-fixes:
			bus.Publish(fix)
			if fix.Err != nil {
				continue
			}

			pos := fix.Position
			if pos.Battery == 0 && battery != nil {
				b := battery()
				pos.Battery = b.Level
				pos.Charging = b.Charging
				pos.BatteryTempC = b.TemperatureC
			}

			out := filter.Filter(pos)
			if out == nil {
				continue
			}
			if _, err := db.InsertPosition(ctx, *out, motionParams(classifier)); err != nil {
				monitoring.Logf("queue position: %v", err)
			}
		}
	}
}

// motionParams renders the classifier side channel carried by every queued
// report. Nil without an acceleration stream.
func motionParams(c *motion.Classifier) []track.Param {
	if c == nil {
		return nil
	}
	snap := c.Snapshot()
	return []track.Param{
		{Name: "acc_rms_ema", Type: track.ParamFloat, Value: fmt.Sprintf("%.4f", snap.RMSEMA)},
		{Name: "acc_conf", Type: track.ParamFloat, Value: fmt.Sprintf("%.4f", c.Confidence())},
		{Name: "acc_state", Type: track.ParamInt, Value: strconv.Itoa(int(snap.State))},
	}
}
