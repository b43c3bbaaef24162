package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/japaniel/carvision/pkg/annotation"
	"github.com/japaniel/carvision/pkg/api"
	"github.com/japaniel/carvision/pkg/classify"
	"github.com/japaniel/carvision/pkg/config"
	"github.com/japaniel/carvision/pkg/dataset"
	"github.com/japaniel/carvision/pkg/db"
	"github.com/japaniel/carvision/pkg/logging"
	"github.com/japaniel/carvision/pkg/metrics"
	"github.com/japaniel/carvision/pkg/photo"
	photofs "github.com/japaniel/carvision/pkg/photo/fs"
	photos3 "github.com/japaniel/carvision/pkg/photo/s3"
	"github.com/japaniel/carvision/pkg/resolver"
	"github.com/japaniel/carvision/pkg/session"
	"github.com/japaniel/carvision/pkg/vehicle"
)

func main() {
	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("carvision: %v", err)
	}
}

type options struct {
	configPath  string
	datasetPath string
	datasetURL  string
	dbPath      string
	label       string
	image       string
	part        string
	save        bool
	list        bool
	page        int
	serve       bool
	addr        string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("carvision", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to carvision.yaml")
	fs.StringVar(&o.datasetPath, "dataset", "", "Path to the vehicle attribute CSV")
	fs.StringVar(&o.datasetURL, "dataset-url", "", "URL to download the CSV from when it is missing")
	fs.StringVar(&o.dbPath, "db", "", "Path to SQLite database for saved cars")
	fs.StringVar(&o.label, "label", "", `Vehicle label, "Make Model Year"`)
	fs.StringVar(&o.image, "image", "", "Photo to classify instead of -label")
	fs.StringVar(&o.part, "part", "", "Scene part to describe (car, wheels, window, engine, door)")
	fs.BoolVar(&o.save, "save", false, "Toggle the recognized car in saved cars")
	fs.BoolVar(&o.list, "list", false, "List saved cars")
	fs.IntVar(&o.page, "page", 0, "Saved-car page for -list")
	fs.BoolVar(&o.serve, "serve", false, "Run the HTTP API")
	fs.StringVar(&o.addr, "addr", "", "Listen address for -serve")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func loadConfig(o options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.datasetPath != "" {
		cfg.Dataset.Path = o.datasetPath
	}
	if o.datasetURL != "" {
		cfg.Dataset.URL = o.datasetURL
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	return cfg, nil
}

func openPhotos(ctx context.Context, cfg config.PhotoConfig) (photo.Store, error) {
	switch photo.Driver(cfg.Driver) {
	case photo.DriverS3:
		return photos3.New(ctx, photos3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.UsePathStyle,
			Prefix:          cfg.S3.Prefix,
		})
	default:
		return photofs.New(cfg.FS.Root)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	lg, err := logging.Open(level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer lg.Close()

	// Prepare the attribute table (auto-download / cache)
	if err := dataset.EnsureDataset(ctx, cfg.Dataset.Path, cfg.Dataset.URL); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	start := time.Now()
	tbl, err := dataset.LoadFile(cfg.Dataset.Path)
	if err != nil {
		return err
	}
	res := resolver.New(tbl)
	res.Logger = lg.Std(logging.DEBUG)
	lg.Infof("loaded %s from %s in %v", res, cfg.Dataset.Path, time.Since(start))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var cls *classify.Client
	if o.image != "" || o.serve {
		cls, err = classify.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout)
		if err != nil {
			return err
		}
	}

	if o.serve {
		return serve(ctx, cfg, lg, res, cls, m, reg)
	}

	if o.list {
		conn, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer conn.Close()
		page, err := db.ListSavedCars(conn, o.page, db.DefaultPageSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Saved cars (page %d, %d total):\n", page.Page, page.Total)
		for _, c := range page.Cars {
			fmt.Fprintf(stdout, "  %s (saved %s)\n", c.Label, c.SavedAt.Format("2006-01-02"))
		}
		if page.HasMore() {
			fmt.Fprintf(stdout, "More with -page %d\n", page.Page+1)
		}
		return nil
	}

	if o.label == "" && o.image == "" {
		return errors.New("please provide -label, -image, -list or -serve")
	}
	return describe(ctx, o, cfg, lg, res, cls, m, stdout)
}

// describe recognizes one vehicle, prints its card and optionally a part
// description, and toggles it in saved cars.
func describe(ctx context.Context, o options, cfg *config.Config, lg *logging.Logger, res *resolver.Resolver, cls *classify.Client, m *metrics.Collector, stdout io.Writer) error {
	recognized := make(chan session.Recognition, 1)
	opts := session.Options{
		Logger:       lg.Std(logging.DEBUG),
		Metrics:      m,
		Annotation:   annotation.Config{BackOffset: cfg.Annotation.BackOffset, DegreesPerPixel: cfg.Annotation.DegreesPerPixel},
		OnRecognized: func(r session.Recognition) { recognized <- r },
	}
	var sc session.Classifier
	if cls != nil {
		sc = cls
	}
	s := session.New(sc, res, opts)
	defer s.Close()

	var photoData []byte
	if o.image != "" {
		data, err := os.ReadFile(o.image)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		photoData = data
		fmt.Fprintf(stdout, "Classifying %s...\n", o.image)
		if err := s.Recognize(ctx, data); err != nil {
			return err
		}
	} else if _, err := s.RecognizeLabel(ctx, o.label); err != nil {
		return err
	}

	var rec session.Recognition
	select {
	case rec = <-recognized:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch {
	case errors.Is(rec.Err, vehicle.ErrUnparsableIdentity):
		fmt.Fprintf(stdout, "Warning: %v; vehicle data not available\n", rec.Err)
	case rec.Err != nil:
		return fmt.Errorf("recognize: %w", rec.Err)
	default:
		fmt.Fprintf(stdout, "Recognized: %s (%s match)\n", rec.Label, rec.Result.Kind)
		for _, line := range rec.Card.Lines() {
			fmt.Fprintf(stdout, "  %s\n", line)
		}
	}

	if o.part != "" {
		if _, _, err := s.Add(ctx, annotation.DefaultObserver()); err != nil {
			return err
		}
		text, _, err := s.Tap(ctx, o.part)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, "---------------------------------------------------")
		fmt.Fprintln(stdout, text)
	}

	if o.save {
		if rec.Err != nil {
			return fmt.Errorf("cannot save %q: %w", rec.Label, rec.Err)
		}
		return toggleSaved(ctx, cfg, rec, photoData, lg, stdout)
	}
	return nil
}

func toggleSaved(ctx context.Context, cfg *config.Config, rec session.Recognition, photoData []byte, lg *logging.Logger, stdout io.Writer) error {
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer conn.Close()

	var store photo.Store
	var key string
	if photoData != nil {
		if store, err = openPhotos(ctx, cfg.Photos); err != nil {
			return err
		}
		format, err := classify.DetectFormat(photoData)
		if err != nil {
			return err
		}
		key = photo.NewKey(format)
		if _, err := store.Put(ctx, key, bytes.NewReader(photoData), ""); err != nil {
			return fmt.Errorf("store photo: %w", err)
		}
	}

	saved, car, err := db.ToggleSavedCar(conn, rec.Label, rec.Result.Record, key)
	if err != nil {
		return err
	}
	if saved {
		fmt.Fprintf(stdout, "Saved %s (id %d)\n", car.Label, car.ID)
		return nil
	}
	fmt.Fprintf(stdout, "Removed %s from saved cars\n", car.Label)
	if store == nil && car.PhotoKey != "" {
		if store, err = openPhotos(ctx, cfg.Photos); err != nil {
			return err
		}
	}
	for _, k := range []string{key, car.PhotoKey} {
		if k == "" {
			continue
		}
		if err := store.Delete(ctx, k); err != nil && !errors.Is(err, photo.ErrNotFound) {
			lg.Warnf("delete photo %s: %v", k, err)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, lg *logging.Logger, res *resolver.Resolver, cls *classify.Client, m *metrics.Collector, reg *prometheus.Registry) error {
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer conn.Close()
	store, err := openPhotos(ctx, cfg.Photos)
	if err != nil {
		return err
	}

	if err := cls.CheckHealth(ctx); err != nil {
		lg.Warnf("classifier not available: %v", err)
	}

	h := api.NewHandler(api.Deps{
		Logger:     lg.Std(logging.WARN),
		Resolver:   res,
		Classifier: cls,
		DB:         conn,
		Photos:     store,
		Metrics:    m,
		Gatherer:   reg,
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: h.Routes(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	lg.Infof("serving on %s (classifier %s)", cfg.Server.Addr, cfg.Classifier.URL)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	lg.Infof("server stopped")
	return nil
}
