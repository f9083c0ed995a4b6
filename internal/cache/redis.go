package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signment/internal/types"
)

// Redis is the Cache implementation backed by a Redis server.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func (r *Redis) Backend() string { return "redis" }

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) GetShipment(ctx context.Context, trackingNumber string) (*types.Shipment, bool) {
	raw, err := r.client.Get(ctx, shipmentKeyPrefix+trackingNumber).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("shipment cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var sh types.Shipment
	if err := json.Unmarshal(raw, &sh); err != nil {
		r.log.Warn("corrupt shipment cache entry",
			zap.String("tracking_number", trackingNumber),
			zap.Error(err))
		r.client.Del(ctx, shipmentKeyPrefix+trackingNumber)
		return nil, false
	}
	return &sh, true
}

func (r *Redis) SetShipment(ctx context.Context, sh *types.Shipment) error {
	raw, err := json.Marshal(sh)
	if err != nil {
		return fmt.Errorf("marshal shipment: %w", err)
	}
	return r.client.Set(ctx, shipmentKeyPrefix+sh.TrackingNumber, raw, shipmentTTL).Err()
}

func (r *Redis) InvalidateShipment(ctx context.Context, trackingNumber string) error {
	return r.client.Del(ctx, shipmentKeyPrefix+trackingNumber).Err()
}

func (r *Redis) SetPaused(ctx context.Context, trackingNumber string, paused bool) error {
	if !paused {
		return r.client.HDel(ctx, pausedHashKey, trackingNumber).Err()
	}
	return r.client.HSet(ctx, pausedHashKey, trackingNumber, "1").Err()
}

func (r *Redis) Paused(ctx context.Context, trackingNumber string) (bool, error) {
	ok, err := r.client.HExists(ctx, pausedHashKey, trackingNumber).Result()
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return ok, nil
}

func (r *Redis) PausedAll(ctx context.Context) (map[string]bool, error) {
	fields, err := r.client.HKeys(ctx, pausedHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read paused set: %w", err)
	}
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out, nil
}

func (r *Redis) SetSpeed(ctx context.Context, trackingNumber string, multiplier float64) error {
	m := ClampSpeed(multiplier)
	return r.client.HSet(ctx, speedHashKey, trackingNumber,
		strconv.FormatFloat(m, 'f', -1, 64)).Err()
}

func (r *Redis) Speed(ctx context.Context, trackingNumber string) (float64, error) {
	raw, err := r.client.HGet(ctx, speedHashKey, trackingNumber).Result()
	if errors.Is(err, redis.Nil) {
		return 1.0, nil
	}
	if err != nil {
		return 1.0, fmt.Errorf("read speed multiplier: %w", err)
	}
	m, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 1.0, nil
	}
	return ClampSpeed(m), nil
}

func (r *Redis) PushNotification(ctx context.Context, n types.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return r.client.RPush(ctx, notificationsKey, raw).Err()
}

func (r *Redis) PopNotification(ctx context.Context, timeout time.Duration) (*types.Notification, error) {
	res, err := r.client.BLPop(ctx, timeout, notificationsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop notification: %w", err)
	}
	// BLPop returns [key, value].
	var n types.Notification
	if err := json.Unmarshal([]byte(res[1]), &n); err != nil {
		r.log.Warn("dropping malformed notification", zap.Error(err))
		return nil, nil
	}
	return &n, nil
}

func (r *Redis) QueueLength(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, notificationsKey).Result()
}

func (r *Redis) SetRouteTemplates(ctx context.Context, routes map[string][]string) error {
	raw, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("marshal route templates: %w", err)
	}
	return r.client.Set(ctx, routeTemplatesKey, raw, routesTTL).Err()
}

func (r *Redis) RouteTemplates(ctx context.Context) (map[string][]string, bool) {
	raw, err := r.client.Get(ctx, routeTemplatesKey).Bytes()
	if err != nil {
		return nil, false
	}
	var routes map[string][]string
	if err := json.Unmarshal(raw, &routes); err != nil {
		return nil, false
	}
	return routes, true
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (r *Redis) SetGeocode(ctx context.Context, location string, lat, lon float64) error {
	raw, err := json.Marshal(geoPoint{Lat: lat, Lon: lon})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, geocodeKeyPrefix+location, raw, geocodeTTL).Err()
}

func (r *Redis) Geocode(ctx context.Context, location string) (float64, float64, bool) {
	raw, err := r.client.Get(ctx, geocodeKeyPrefix+location).Bytes()
	if err != nil {
		return 0, 0, false
	}
	var p geoPoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, 0, false
	}
	return p.Lat, p.Lon, true
}

func batchKey(chatID int64) string {
	return batchKeyPrefix + strconv.FormatInt(chatID, 10)
}

func (r *Redis) AddBatch(ctx context.Context, chatID int64, trackingNumber string) error {
	return r.client.SAdd(ctx, batchKey(chatID), trackingNumber).Err()
}

func (r *Redis) BatchMembers(ctx context.Context, chatID int64) ([]string, error) {
	return r.client.SMembers(ctx, batchKey(chatID)).Result()
}

func (r *Redis) ClearBatch(ctx context.Context, chatID int64) error {
	return r.client.Del(ctx, batchKey(chatID)).Err()
}
