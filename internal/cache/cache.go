// Package cache fronts Redis for shipment lookups, simulation flags,
// the notification queue and geocoding results. When Redis is not
// reachable it degrades to an in-process store with the same behavior,
// minus cross-process visibility.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signment/internal/types"
)

// ErrQueueFull is returned by PushNotification when the in-process
// queue is at capacity. Redis lists do not hit this.
var ErrQueueFull = errors.New("notification queue full")

// Key layout shared by every process that talks to the cache.
const (
	shipmentKeyPrefix = "shipment:"
	geocodeKeyPrefix  = "geocode:"
	batchKeyPrefix    = "batch:"
	pausedHashKey     = "paused_simulations"
	speedHashKey      = "sim_speed_multipliers"
	routeTemplatesKey = "route_templates"
	notificationsKey  = "notifications"
)

const (
	shipmentTTL = time.Hour
	geocodeTTL  = 24 * time.Hour
	routesTTL   = 24 * time.Hour

	// SpeedMin and SpeedMax bound the simulation speed multiplier.
	SpeedMin = 0.1
	SpeedMax = 10.0
)

// Cache is the shared state surface between the web server, the
// simulator, the bot and the notification worker.
type Cache interface {
	// Backend names the active implementation, "redis" or "memory".
	Backend() string
	Ping(ctx context.Context) error
	Close() error

	GetShipment(ctx context.Context, trackingNumber string) (*types.Shipment, bool)
	SetShipment(ctx context.Context, sh *types.Shipment) error
	InvalidateShipment(ctx context.Context, trackingNumber string) error

	SetPaused(ctx context.Context, trackingNumber string, paused bool) error
	Paused(ctx context.Context, trackingNumber string) (bool, error)
	PausedAll(ctx context.Context) (map[string]bool, error)

	SetSpeed(ctx context.Context, trackingNumber string, multiplier float64) error
	Speed(ctx context.Context, trackingNumber string) (float64, error)

	PushNotification(ctx context.Context, n types.Notification) error
	// PopNotification blocks up to timeout and returns (nil, nil) when
	// nothing arrived.
	PopNotification(ctx context.Context, timeout time.Duration) (*types.Notification, error)
	QueueLength(ctx context.Context) (int64, error)

	SetRouteTemplates(ctx context.Context, routes map[string][]string) error
	RouteTemplates(ctx context.Context) (map[string][]string, bool)

	SetGeocode(ctx context.Context, location string, lat, lon float64) error
	Geocode(ctx context.Context, location string) (lat, lon float64, ok bool)

	AddBatch(ctx context.Context, chatID int64, trackingNumber string) error
	BatchMembers(ctx context.Context, chatID int64) ([]string, error)
	ClearBatch(ctx context.Context, chatID int64) error
}

// ClampSpeed bounds a requested multiplier to [SpeedMin, SpeedMax].
func ClampSpeed(m float64) float64 {
	if m < SpeedMin {
		return SpeedMin
	}
	if m > SpeedMax {
		return SpeedMax
	}
	return m
}

// New connects to Redis at url, falling back to the in-memory cache
// when url is empty or the server does not answer. The fallback keeps
// the single-process deployment working without Redis installed.
func New(ctx context.Context, url string, log *zap.Logger) Cache {
	if url == "" {
		log.Info("no redis url configured, using in-memory cache")
		return NewMemory()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("invalid redis url, using in-memory cache", zap.Error(err))
		return NewMemory()
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, using in-memory cache",
			zap.String("addr", opts.Addr),
			zap.Error(err))
		client.Close()
		return NewMemory()
	}

	log.Info("connected to redis", zap.String("addr", opts.Addr))
	return &Redis{client: client, log: log}
}
