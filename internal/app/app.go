// Package app wires the relay's long-lived components together. Controllers
// reach them through the package-level singletons set by Bootstrap.
package app

import (
	"context"
	"time"

	"github.com/wamux/wamux/internal/account"
	"github.com/wamux/wamux/internal/logbatch"
	"github.com/wamux/wamux/internal/outbound"
	"github.com/wamux/wamux/internal/phone"
	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/internal/transport"
	"github.com/wamux/wamux/internal/webhook"
	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/log"
)

var (
	Store      storage.Store
	Batcher    *logbatch.Batcher
	Phones     *phone.Normalizer
	Dispatcher *webhook.Dispatcher
	Secrets    *webhook.SecretCache
	Registry   *account.Registry
	Outbound   *outbound.Queue

	closers []func()
)

// Bootstrap opens the datastore and builds every component in dependency
// order. It must run once before routes are registered.
func Bootstrap(ctx context.Context) error {
	pg, err := storage.OpenPostgres(ctx)
	if err != nil {
		return err
	}
	Store = pg
	closers = append(closers, func() {
		if err := pg.Close(); err != nil {
			log.Print(nil).WithError(err).Warn("closing datastore failed")
		}
	})

	Batcher = logbatch.NewBatcher(Store,
		env.GetEnvIntOrDefault("LOG_BATCH_SIZE", 10),
		env.GetEnvDurationOrDefault("LOG_BATCH_INTERVAL", 5*time.Second))
	Batcher.Start()
	closers = append(closers, Batcher.Close)

	Phones = phone.NewNormalizer(
		env.GetEnvStringOrDefault("PHONE_DEFAULT_COUNTRY_CODE", ""),
		env.GetEnvStringOrDefault("PHONE_ADDRESS_SUFFIX", "@s.whatsapp.net"),
		env.GetEnvIntOrDefault("PHONE_CACHE_CAPACITY", 1000))

	Dispatcher = webhook.NewDispatcher(Store, Batcher,
		env.GetEnvDurationOrDefault("WEBHOOK_FAST_TIMEOUT", 5*time.Second),
		env.GetEnvDurationOrDefault("WEBHOOK_FULL_TIMEOUT", 10*time.Second))

	Secrets = webhook.NewSecretCache(Store, env.GetEnvDurationOrDefault("WEBHOOK_SECRET_TTL", 5*time.Minute))
	Store.AddWebhookMutationHook(Secrets.InvalidateAccount)

	factory, err := transport.NewWhatsmeowFactory(ctx)
	if err != nil {
		return err
	}

	Registry = account.NewRegistry(Store, factory, onInbound)
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		Registry.Close(shutdownCtx)
	})

	Outbound = outbound.NewQueue(Registry, Phones, Batcher,
		int64(env.GetEnvIntOrDefault("OUTBOUND_QUEUE_CAPACITY", 20)))

	return nil
}

// onInbound records every received message and fans it out to the account's
// webhooks. Dispatch runs detached so a slow subscriber never backs up the
// session's event loop.
func onInbound(accountID string, msg transport.Inbound) {
	Batcher.Record(storage.DeliveryRecord{
		AccountID:   accountID,
		Direction:   storage.DirectionIncoming,
		Status:      storage.DeliverySuccess,
		Destination: msg.ChatID,
		Detail:      msg.Kind,
	})

	ev := webhook.Event{
		AccountID: accountID,
		Direction: string(storage.DirectionIncoming),
		MessageID: msg.MessageID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Message:   msg.Body,
		Timestamp: msg.Timestamp.Unix(),
		Type:      msg.Kind,
		ChatID:    msg.ChatID,
		IsGroup:   msg.IsGroup,
	}
	go Dispatcher.Dispatch(context.Background(), accountID, ev)
}

// Shutdown tears components down in reverse construction order.
func Shutdown() {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	closers = nil
}
