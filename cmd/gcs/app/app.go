package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/asra-uav/gcs/internal/fleet"
	"github.com/asra-uav/gcs/internal/link"
	"github.com/asra-uav/gcs/internal/mavlink"
	"github.com/asra-uav/gcs/internal/tiles"
)

const (
	pollInterval  = 100 * time.Millisecond
	sweepInterval = time.Hour

	tileDBName = "tiles.db"
)

// Run wires the cores together and drives the headless event loop until the
// context is cancelled: vehicle links feed the registry, the registry's
// position telemetry warms the tile cache around each vehicle.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStore(&config.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create tile store: %w", err)
	}
	defer store.Close()

	pipeline, err := createPipeline(store, config, logger)
	if err != nil {
		return fmt.Errorf("failed to create tile pipeline: %w", err)
	}
	if err = pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tile pipeline: %w", err)
	}
	defer pipeline.Stop()

	provider, err := tiles.ProviderByName(config.Map.DefaultProvider)
	if err != nil {
		return err
	}

	if ports, err := mavlink.ListPorts(); err != nil {
		logger.Warn("serial port discovery failed", slog.String("error", err.Error()))
	} else {
		logger.Info("serial ports available", slog.Any("ports", ports))
	}

	registry := createRegistry(config, logger)
	defer registry.Close()

	ids, err := addVehicles(ctx, registry, config.Vehicles)
	if err != nil {
		return err
	}

	maxAge := time.Duration(config.Storage.MaxAgeDays) * 24 * time.Hour
	maxSize := int64(config.Storage.MaxSizeMB) * 1024 * 1024
	if err = store.EvictOld(ctx, maxAge, maxSize); err != nil {
		logger.Warn("tile cache sweep failed", slog.String("error", err.Error()))
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-poll.C:
			for _, id := range ids {
				pollVehicle(ctx, registry, pipeline, provider, config.Map.DefaultZoom, id, logger)
			}

		case <-pipeline.Ready():
			ready := pipeline.DrainReady()
			logger.Debug("tiles ready", slog.Int("count", len(ready)))

		case <-sweep.C:
			if err := store.EvictOld(ctx, maxAge, maxSize); err != nil {
				logger.Warn("tile cache sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// pollVehicle drains one vehicle's event queue and applies it.
func pollVehicle(ctx context.Context, registry *fleet.Registry, pipeline *tiles.Pipeline, provider tiles.Provider, zoom int, id string, logger *slog.Logger) {
	events, err := registry.PollEvents(id)
	if err != nil {
		return
	}
	applyEvents(ctx, registry, pipeline, provider, zoom, id, events, logger)
}

// applyEvents applies one batch of link events: status transitions to the
// registry, telemetry merges, and tile prefetches around reported positions.
func applyEvents(ctx context.Context, registry *fleet.Registry, pipeline *tiles.Pipeline, provider tiles.Provider, zoom int, id string, events []mavlink.Event, logger *slog.Logger) {
	for _, ev := range events {
		switch ev.Kind {
		case mavlink.KindStatus:
			switch ev.Text {
			case "Connected":
				registry.MarkConnected(id, true)
			case "Disconnected":
				registry.MarkConnected(id, false)
			}
			logger.Info(ev.Text, slog.String("vehicle", id))

		case mavlink.KindError:
			logger.Warn(ev.Text, slog.String("vehicle", id))

		case mavlink.KindStatusText, mavlink.KindFlightMode, mavlink.KindSuccess:
			logger.Info(ev.Text, slog.String("vehicle", id), slog.String("kind", string(ev.Kind)))

		case mavlink.KindAttitude, mavlink.KindVfrHud, mavlink.KindGps, mavlink.KindSysStatus:
			_ = registry.RouteTelemetry(id, string(ev.Kind), ev.Fields)

		case mavlink.KindGpsPos:
			_ = registry.RouteTelemetry(id, string(ev.Kind), ev.Fields)
			prefetchAround(ctx, pipeline, provider, zoom, ev.Fields["lat"], ev.Fields["lon"])

		case mavlink.KindDataRate:
			// Rate events carry no text, only per-stream counters.
			logger.Debug("telemetry rate", slog.String("vehicle", id), slog.Any("fields", ev.Fields))

		default:
			logger.Debug(ev.Text, slog.String("vehicle", id), slog.String("kind", string(ev.Kind)))
		}
	}
}

// prefetchAround requests the tile under a position plus a one-tile ring,
// keeping the persistent cache warm for offline operation.
func prefetchAround(ctx context.Context, pipeline *tiles.Pipeline, provider tiles.Provider, zoom int, lat, lon float64) {
	fx, fy := tiles.Deg2Tile(lat, lon, zoom)
	cx, cy := int(fx), int(fy)
	limit := 1<<zoom - 1

	for x := cx - 1; x <= cx+1; x++ {
		for y := cy - 1; y <= cy+1; y++ {
			if x < 0 || y < 0 || x > limit || y > limit {
				continue
			}
			pipeline.RequestTile(ctx, tiles.Key{Provider: provider, Z: zoom, X: x, Y: y})
		}
	}
}

func addVehicles(ctx context.Context, registry *fleet.Registry, configs []VehicleConfig) ([]string, error) {
	var ids []string
	for _, vc := range configs {
		id, err := registry.Add(ctx, vc.Endpoint, vc.Baud, vc.Name)
		if err != nil {
			return nil, fmt.Errorf("adding vehicle %s: %w", vc.Endpoint, err)
		}
		if vc.AutoConnect {
			if err = registry.ConnectVehicle(id); err != nil {
				return nil, fmt.Errorf("connecting vehicle %s: %w", id, err)
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func createStore(config *StorageConfig, logger *slog.Logger) (*tiles.Store, error) {
	if err := os.MkdirAll(config.CacheDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return tiles.NewStore(filepath.Join(config.CacheDirectory, tileDBName), tiles.WithStoreLogger(logger)), nil
}

func createPipeline(store *tiles.Store, config *Config, logger *slog.Logger) (*tiles.Pipeline, error) {
	return tiles.NewPipeline(store,
		tiles.WithWorkers(config.Network.MaxConcurrentDownloads),
		tiles.WithHTTPClient(&http.Client{Timeout: seconds(config.Network.DownloadTimeout)}),
		tiles.WithRetry(config.Network.RetryAttempts, seconds(config.Network.RetryDelay)),
		tiles.WithCacheSize(config.Map.MaxCacheTiles, config.Map.CacheCleanupThreshold),
		tiles.WithUserAgent(config.Network.UserAgent),
		tiles.WithPipelineLogger(logger),
	)
}

func createRegistry(config *Config, logger *slog.Logger) *fleet.Registry {
	newTransport := func(endpoint string, baud int) (link.Transport, error) {
		return mavlink.Open(endpoint, baud, mavlink.WithTransportLogger(logger))
	}

	newLink := func() *link.Link {
		return link.New(newTransport,
			link.WithLogger(logger),
			link.WithHeartbeatTimeout(seconds(config.Mavlink.HeartbeatTimeout)),
			link.WithConnectTimeout(seconds(config.Mavlink.ConnectionTimeout)),
			link.WithAckTimeout(seconds(config.Mavlink.AckTimeout)),
		)
	}

	return fleet.NewRegistry(newLink,
		fleet.WithMaxVehicles(config.Mavlink.MaxVehicles),
		fleet.WithLogger(logger),
	)
}
