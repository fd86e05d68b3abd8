// Command bench flies a camera through a tileset and reports streaming
// behavior. Prometheus metrics, pprof and a websocket feed of render sets are
// served while it runs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/IvanBrykalov/tilestream/fetch"
	"github.com/IvanBrykalov/tilestream/internal/observer"
	pmet "github.com/IvanBrykalov/tilestream/metrics/prom"
	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/errgroup"
)

type config struct {
	Tileset                 string          `cli:""        env:"TILESTREAM_TILESET"          help:"Tileset manifest path or URL. Empty generates a synthetic tileset."`
	FlightPlan              string          `cli:""        env:"TILESTREAM_FLIGHT_PLAN"      help:"YAML flight plan. Empty uses the built-in flythrough."`
	Addr                    string          `cli:""        env:"TILESTREAM_ADDR"             help:"Listening address for /metrics, /ws and /debug/pprof. Empty disables it."`
	Linger                  bool            `cli:""        env:"TILESTREAM_LINGER"           help:"Keep serving after the flight until interrupted."`
	LogLevel                string          `cli:""        env:"TILESTREAM_LOG_LEVEL"        help:"Log level (debug|info|warning|error)."`
	LogIndent               bool            `cli:""        env:"TILESTREAM_LOG_INDENT"       help:"Indent logs."`
	MaxRequests             int             `cli:""        env:"TILESTREAM_MAX_REQUESTS"     help:"Concurrent tile loads."`
	MaxTiles                int             `cli:""        env:"TILESTREAM_MAX_TILES"        help:"Resident tile limit."`
	MaxMemory               int             `cli:""        env:"TILESTREAM_MAX_MEMORY"       help:"Resident content limit in bytes. 0 disables it."`
	MaximumScreenSpaceError float64         `cli:""        env:"TILESTREAM_MAX_SSE"          help:"Screen-space error in pixels above which tiles refine."`
	LoadSiblings            bool            `cli:""        env:"TILESTREAM_LOAD_SIBLINGS"    help:"Load invisible siblings of refined tiles."`
	Latency                 time.Duration   `cli:""        env:"TILESTREAM_LATENCY"          help:"Simulated latency added to every fetch."`
	Synthetic               syntheticConfig `cli:",hidden" env:"-"                           help:"Synthetic tileset configuration."`
	Help                    bool            `cli:""        env:"-"                           help:"Show help."`
}

type syntheticConfig struct {
	Depth         int     `cli:",hidden" env:"TILESTREAM_SYNTHETIC_DEPTH"          help:"Quadtree levels below the root."`
	HalfSize      float64 `cli:",hidden" env:"TILESTREAM_SYNTHETIC_HALF_SIZE"      help:"Root half extent in meters."`
	ContentBytes  int     `cli:",hidden" env:"TILESTREAM_SYNTHETIC_CONTENT_BYTES"  help:"Payload size of every tile."`
	ExternalDepth int     `cli:",hidden" env:"TILESTREAM_SYNTHETIC_EXTERNAL_DEPTH" help:"Level moved into external zstd manifests. 0 keeps one manifest."`
}

func main() {
	conf := config{
		Addr:                    ":8080",
		LogLevel:                logs.InfoLevel.String(),
		MaxRequests:             6,
		MaxTiles:                tileset.DefaultMaxTiles,
		MaximumScreenSpaceError: tileset.DefaultMaximumScreenSpaceError,
		Synthetic: syntheticConfig{
			Depth:         5,
			HalfSize:      1000,
			ContentBytes:  16 * 1024,
			ExternalDepth: 2,
		},
	}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Flies a camera through a tileset and reports streaming metrics.").
		Options(&conf)
	cli.Load()

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal

	if err := run(ctx, conf); err != nil && !errors.Is(err, context.Canceled) {
		logs.Fatal(err)
	}
}

func run(ctx context.Context, conf config) error {
	plan := defaultFlightPlan()
	if conf.FlightPlan != "" {
		var err error
		if plan, err = loadFlightPlan(conf.FlightPlan); err != nil {
			return err
		}
	}

	uri, fetcher, cleanup, err := source(conf)
	if err != nil {
		return err
	}
	defer cleanup()

	if conf.Latency > 0 {
		fetcher = delayed(fetcher, conf.Latency)
	}

	ts, err := tileset.Load(ctx, uri, tileset.Options{
		TraverserOptions: tileset.TraverserOptions{
			MaximumScreenSpaceError: conf.MaximumScreenSpaceError,
			LoadSiblings:            conf.LoadSiblings,
		},
		MaxTiles:         conf.MaxTiles,
		MaxMemory:        int64(conf.MaxMemory),
		MaxRequests:      conf.MaxRequests,
		Fetcher:          fetcher,
		Metrics:          pmet.NewTileset(nil, "tilestream", "bench", nil),
		CacheMetrics:     pmet.NewCache(nil, "tilestream", "bench", nil),
		SchedulerMetrics: pmet.NewScheduler(nil, "tilestream", "bench", nil),
		OnTraversalEnd: func(rs tileset.RenderSet) {
			logs.WithTag("viewport_id", rs.ViewportID).
				WithTag("frame", rs.FrameNumber).
				WithTag("selected", len(rs.Tiles)).
				WithTag("finished", rs.Finished).
				Debug("traversal ended")
		},
	})
	if err != nil {
		return err
	}
	defer ts.Close()

	hub := observer.NewHub(0)
	defer hub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if conf.Addr != "" {
		srv := &http.Server{Addr: conf.Addr, Handler: mux(hub)}
		g.Go(func() error {
			logs.WithTag("addr", conf.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.New("serving http failed").
					WithTag("addr", conf.Addr).
					Wrap(err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		r, err := fly(ctx, ts, plan, hub)
		if err != nil {
			return err
		}
		printReport(uri, r)
		if !conf.Linger {
			cancel()
		}
		return nil
	})

	return g.Wait()
}

// source picks the fetcher serving conf.Tileset, generating a synthetic
// tileset when it is empty.
func source(conf config) (string, fetch.Fetcher, func(), error) {
	noop := func() {}
	switch {
	case conf.Tileset == "":
		dir, err := os.MkdirTemp("", "tilestream-")
		if err != nil {
			return "", nil, noop, errors.New("creating synthetic tileset directory failed").Wrap(err)
		}
		cleanup := func() { os.RemoveAll(dir) }

		s := synthetic(conf.Synthetic)
		if err := s.write(dir); err != nil {
			cleanup()
			return "", nil, noop, err
		}
		logs.WithTag("dir", dir).
			WithTag("depth", s.Depth).
			WithTag("external_depth", s.ExternalDepth).
			Info("synthetic tileset generated")
		return "tileset.json", fetch.FileFetcher{Root: dir}, cleanup, nil

	case strings.HasPrefix(conf.Tileset, "http://"), strings.HasPrefix(conf.Tileset, "https://"):
		return conf.Tileset, fetch.NewHTTPFetcher(""), noop, nil

	default:
		return conf.Tileset, fetch.FileFetcher{}, noop, nil
	}
}

func delayed(f fetch.Fetcher, d time.Duration) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, uri string) ([]byte, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return f.Fetch(ctx, uri)
	})
}

func mux(hub *observer.Hub) http.Handler {
	var m http.ServeMux
	m.Handle("/metrics", promhttp.Handler())
	m.Handle("/ws", hub.Handler())
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	m.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	return &m
}

func printReport(uri string, r report) {
	fmt.Printf("tileset=%s frames=%d elapsed=%v finished=%t\n",
		uri, r.Frames, r.Elapsed.Round(time.Millisecond), r.Finished)
	fmt.Printf("selected=%d tiles=%d resident=%d bytes=%d\n",
		r.Selected, r.Stats.Tiles, r.Stats.CacheTiles, r.Stats.CacheBytes)
	fmt.Printf("queued=%d issued=%d cancelled=%d\n",
		r.Stats.Scheduler.QueuedEver, r.Stats.Scheduler.IssuedEver, r.Stats.Scheduler.Cancelled)
}
