// Package rednotify publishes reconcile completion events on a redis channel.
package rednotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Notifier struct {
	client  *redis.Client
	channel string
	log     *zerolog.Logger
}

type event struct {
	Result modelcontribution.Result              `json:"result"`
	Record *modelcontribution.ContributionRecord `json:"record"`
}

func InitNotifier(cfg *config.NotifierConfig, log *zerolog.Logger) (*Notifier, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("redis notifier initialized")
	return &Notifier{client: redis.NewClient(opts), channel: cfg.Channel, log: log}, nil
}

// OnReconcileComplete publishes a (result, record) envelope. Publish failures
// are logged and dropped; observers are advisory and must not stall the
// completion path.
func (n *Notifier) OnReconcileComplete(ctx context.Context, result modelcontribution.Result, record *modelcontribution.ContributionRecord) {
	payload, err := json.Marshal(event{Result: result, Record: record})
	if err != nil {
		n.log.Error().Err(err).Msg(fmt.Sprintf("marshalling completion event failed for %s", record.ContributionID))
		return
	}
	err = n.client.Publish(ctx, n.channel, payload).Err()
	if err != nil {
		n.log.Error().Err(err).Msg(fmt.Sprintf("publishing completion event failed for %s", record.ContributionID))
		return
	}
	n.log.Info().Msg(fmt.Sprintf("completion event published for %s with result %s", record.ContributionID, result))
}
