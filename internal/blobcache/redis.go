package blobcache

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/logger"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// redisOpTimeout bounds one cache operation.
const redisOpTimeout = 5 * time.Second

// Redis is a BlobCache backed by a redis instance. Each asset is stored
// as one value: an 8-byte big-endian file size prefix followed by the
// compressed bytes, so ranged reads map to GETRANGE.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Interface
	handle atomic.Int64
}

// NewRedis creates a redis-backed cache.
func NewRedis(addr string, db int, ttl time.Duration, log logger.Interface) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ttl:    ttl,
		log:    log,
	}
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func cacheKey(id domain.AssetID) string {
	return "texfetch:asset:" + id.String()
}

const sizePrefixLen = 8

// Read fetches size bytes starting at offset.
func (r *Redis) Read(id domain.AssetID, offset, size int, done func(transport.ReadResult)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()

		key := cacheKey(id)
		head, err := r.client.GetRange(ctx, key, 0, sizePrefixLen-1).Bytes()
		if err != nil || len(head) < sizePrefixLen {
			if err != nil && err != redis.Nil {
				r.log.Warn("cache read failed", "asset_id", id.String(), "error", err.Error())
				done(transport.ReadResult{Err: err})
				return
			}
			done(transport.ReadResult{Found: false})
			return
		}
		fileSize := int(binary.BigEndian.Uint64(head))

		start := int64(sizePrefixLen + offset)
		end := int64(-1)
		if size > 0 {
			end = start + int64(size) - 1
		}
		data, err := r.client.GetRange(ctx, key, start, end).Bytes()
		if err != nil {
			done(transport.ReadResult{Err: err})
			return
		}
		if len(data) == 0 {
			done(transport.ReadResult{Found: false})
			return
		}
		done(transport.ReadResult{Data: data, FileSize: fileSize, Found: true})
	}()
}

// Write stores data for id with the file size prefix.
func (r *Redis) Write(id domain.AssetID, data []byte, fileSize int, done func(error)) transport.WriteHandle {
	h := transport.WriteHandle(r.handle.Add(1))
	buf := make([]byte, sizePrefixLen+len(data))
	binary.BigEndian.PutUint64(buf, uint64(fileSize))
	copy(buf[sizePrefixLen:], data)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()

		err := r.client.Set(ctx, cacheKey(id), buf, r.ttl).Err()
		if err != nil {
			r.log.Warn("cache write failed", "asset_id", id.String(), "error", err.Error())
		}
		done(err)
	}()
	return h
}

// Remove drops the entry for id.
func (r *Redis) Remove(id domain.AssetID) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_ = r.client.Del(ctx, cacheKey(id)).Err()
}

// PrioritizeWrite is a no-op: redis writes are not queued client-side.
func (r *Redis) PrioritizeWrite(transport.WriteHandle) {}
