// Package report mirrors flash operation state into Redis for gateway
// integration: the flasher normally runs on a gateway host whose other
// services watch device state through Redis.
package report

import (
	"context"
	"fmt"
	"path"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Reporter writes stage and progress into a hash keyed by the serial
// device and publishes every transition on the same key. Reporting is best
// effort: failures are logged and never interrupt a flash operation.
type Reporter struct {
	client *redis.Client
	ctx    context.Context
	key    string
	log    *log.Logger
}

// New connects to Redis and creates a reporter for the given serial device.
func New(addr, password string, db int, device string, logger *log.Logger) (*Reporter, error) {
	if logger == nil {
		logger = log.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Reporter{
		client: client,
		ctx:    ctx,
		key:    "ccflash:" + path.Base(device),
		log:    logger,
	}, nil
}

// Stage records the operation stage that just started.
func (r *Reporter) Stage(stage string) {
	r.publish("stage", stage)
}

// Progress records percent completion of the current stage.
func (r *Reporter) Progress(stage string, percent int) {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, r.key, "stage", stage)
	pipe.HSet(r.ctx, r.key, "percent", percent)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.log.Debug("redis progress update failed", "err", err)
	}
}

// Result records the final outcome of the whole session.
func (r *Reporter) Result(ok bool, detail string) {
	result := "success"
	if !ok {
		result = "failure"
	}
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, r.key, "result", result)
	pipe.HSet(r.ctx, r.key, "detail", detail)
	pipe.Publish(r.ctx, r.key, "result:"+result)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.log.Debug("redis result update failed", "err", err)
	}
}

// Close releases the Redis connection.
func (r *Reporter) Close() {
	if err := r.client.Close(); err != nil {
		r.log.Debug("redis close failed", "err", err)
	}
}

// publish writes one field and announces the transition.
func (r *Reporter) publish(field, value string) {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, r.key, field, value)
	pipe.Publish(r.ctx, r.key, field+":"+value)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.log.Debug("redis update failed", "field", field, "err", err)
	}
}
