// fuji-cli exercises the batch entry points directly, without the queue:
// orbit generation, event matching, data setup, and invariant checks.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/config"
	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/services/matcher"
	"github.com/yuru-sha/fuji-calendar-sub001/services/orbit"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

type app struct {
	cfg     config.Config
	store   *storage.Store
	builder *orbit.Builder
	matcher *matcher.Matcher
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	eph := ephemeris.NewManager(ephemeris.NewSuncalcProvider(), ephemeris.NewMeeusProvider())
	return &app{
		cfg:     cfg,
		store:   store,
		builder: orbit.NewBuilder(eph, store, cfg.FujiReference),
		matcher: matcher.New(eph, store, store, cfg.FujiReference, cfg.RefractionK),
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

func parseYear(arg string) (int, error) {
	year, err := strconv.Atoi(arg)
	if err != nil || year < 1900 || year > 2200 {
		return 0, fmt.Errorf("invalid year %q", arg)
	}
	return year, nil
}

func (a *app) generateCelestial(ctx context.Context, year int) error {
	start := time.Now()
	err := a.builder.BuildYear(ctx, year, func(pct int) {
		fmt.Fprintf(os.Stderr, "orbit %d: %d%%\n", year, pct)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "orbit %d built in %s\n", year, time.Since(start).Round(time.Second))
	return nil
}

func (a *app) matchEvents(ctx context.Context, year int) error {
	locations, err := a.store.ListLocations(ctx)
	if err != nil {
		return err
	}
	for _, loc := range locations {
		loc := loc
		err := a.store.WithLocationLock(ctx, loc.ID, func() error {
			return a.matcher.MatchAndStore(ctx, loc, year, nil)
		})
		if err != nil {
			return fmt.Errorf("location %d (%s): %w", loc.ID, loc.Name, err)
		}
		n, err := a.store.CountEventsForLocationYear(ctx, loc.ID, year)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "location %d (%s): %d events\n", loc.ID, loc.Name, n)
	}
	return nil
}

func (a *app) setupData(ctx context.Context, year int) error {
	locations, err := a.store.ListLocations(ctx)
	if err != nil {
		return err
	}
	for _, loc := range locations {
		g, err := astronomy.ComputeFujiGeometry(loc.Latitude, loc.Longitude, loc.ElevationM, a.cfg.FujiReference, a.cfg.RefractionK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "location %d (%s): geometry skipped: %v\n", loc.ID, loc.Name, err)
			continue
		}
		if err := a.store.UpsertLocationGeometry(ctx, loc.ID, g.AzimuthDeg, g.ElevationDeg, g.DistanceM); err != nil {
			return err
		}
	}
	if err := a.generateCelestial(ctx, year); err != nil {
		return err
	}
	return a.matchEvents(ctx, year)
}

func (a *app) checkData(ctx context.Context) error {
	now := time.Now().In(timeutil.JST)
	year := now.Year()
	failures := 0

	for _, probe := range []time.Time{
		time.Date(year, 1, 1, 0, 0, 0, 0, timeutil.JST),
		time.Date(year, 6, 15, 0, 0, 0, 0, timeutil.JST),
		time.Date(year, 12, 31, 0, 0, 0, 0, timeutil.JST),
	} {
		n, err := a.store.CountOrbitSamples(ctx, probe, "sun")
		if err != nil {
			return err
		}
		if n != 1440 {
			failures++
			fmt.Fprintf(os.Stderr, "FAIL: %s has %d sun samples, want 1440\n", timeutil.FormatDate(probe), n)
		}
	}

	mismatches, err := a.store.CountEventDateMismatches(ctx)
	if err != nil {
		return err
	}
	if mismatches > 0 {
		failures++
		fmt.Fprintf(os.Stderr, "FAIL: %d events whose event_date is not the JST day of event_time\n", mismatches)
	}

	if failures > 0 {
		return fmt.Errorf("%d data checks failed", failures)
	}
	fmt.Fprintln(os.Stderr, "all data checks passed")
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "fuji-cli",
		Short:         "Batch entry points for the Fuji alignment calendar core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	withApp := func(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return fn(cmd.Context(), a, args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "generate-celestial YEAR",
		Short: "Build the minute-resolution orbit table for a year",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			year, err := parseYear(args[0])
			if err != nil {
				return err
			}
			return a.generateCelestial(ctx, year)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "match-events YEAR",
		Short: "Match alignment events for every location for a year",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			year, err := parseYear(args[0])
			if err != nil {
				return err
			}
			return a.matchEvents(ctx, year)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "setup-data YEAR",
		Short: "Recompute location geometry, build orbits, and match events",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			year, err := parseYear(args[0])
			if err != nil {
				return err
			}
			return a.setupData(ctx, year)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-data",
		Short: "Verify table invariants",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.checkData(ctx)
		}),
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fuji-cli: %v\n", err)
		os.Exit(1)
	}
}
