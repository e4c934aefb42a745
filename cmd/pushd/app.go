package main

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/atscard/webpush"
	"github.com/atscard/webpush/config"
	"github.com/atscard/webpush/delivery"
	"github.com/atscard/webpush/keys"
	"github.com/atscard/webpush/metrics"
	"github.com/atscard/webpush/storage"
	"github.com/atscard/webpush/vapid"
)

type app struct {
	service   *delivery.Service
	metrics   *metrics.Metrics
	publicKey string
	closers   []func() error
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		metrics: metrics.New(),
		closers: []func() error{store.Close},
	}

	opts := []delivery.Option{
		delivery.WithMetrics(a.metrics),
		delivery.WithMaxConcurrency(cfg.PushMaxConcurrency),
		delivery.WithMaxPayloadSize(cfg.PushMaxPayload),
		delivery.WithPushOptions(webpush.Options{TTL: cfg.PushTTL, Urgency: cfg.PushUrgency}),
		delivery.WithDefaults(delivery.Defaults{Icon: cfg.NotificationIcon, Badge: cfg.NotificationBadge}),
		delivery.WithRetries(cfg.PushMaxRetries, cfg.PushRetryInitial, cfg.PushRetryMaxWait),
	}

	auth, closeSigner, err := newAuthenticator(ctx, cfg)
	if err != nil {
		clog.FromContext(ctx).Errorf("VAPID identity unusable, push notifications disabled: %v", err)
	}
	if closeSigner != nil {
		a.closers = append(a.closers, closeSigner)
	}
	if auth == nil {
		if err == nil {
			clog.FromContext(ctx).Warn("VAPID keys not configured, push notifications disabled")
		}
		a.service = delivery.New(store, nil, opts...)
		return a, nil
	}

	client := webpush.NewClient(auth).
		WithTimeout(cfg.PushTimeout).
		WithMaxPayloadSize(cfg.PushMaxPayload)
	a.service = delivery.New(store, client, opts...)
	a.publicKey = auth.PublicKey()
	clog.FromContext(ctx).With("subject", auth.Subject()).Infof("push notifications enabled, public key %s", a.publicKey)
	return a, nil
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		s, err := storage.NewSQLite(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := storage.OpenPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		return storage.NewMemory(), nil
	}
}

// newAuthenticator builds the VAPID identity from, in order of preference,
// a KMS key, a PEM key file or the VAPID_PRIVATE_KEY/VAPID_PUBLIC_KEY pair.
// It returns a nil Authenticator and no error when none is configured.
func newAuthenticator(ctx context.Context, cfg *config.Config) (*vapid.Authenticator, func() error, error) {
	if !cfg.VAPIDConfigured() {
		return nil, nil, nil
	}

	var (
		signer  vapid.Signer
		closeFn func() error
	)
	switch {
	case cfg.VAPIDKMSKey != "":
		s, err := keys.NewKMSSigner(ctx, cfg.VAPIDKMSKey)
		if err != nil {
			return nil, nil, err
		}
		signer, closeFn = s, s.Close
	case cfg.VAPIDKeyFile != "":
		s, err := keys.NewFileSigner(cfg.VAPIDKeyFile)
		if err != nil {
			return nil, nil, err
		}
		signer = s
	default:
		s, err := keys.NewFileSignerFromBase64(cfg.VAPIDPrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("VAPID_PRIVATE_KEY: %w", err)
		}
		if err := s.CheckPublicKey(cfg.VAPIDPublicKey); err != nil {
			return nil, nil, fmt.Errorf("VAPID_PUBLIC_KEY: %w", err)
		}
		signer = s
	}

	auth, err := vapid.NewAuthenticator(ctx, signer, cfg.VAPIDSubject)
	if err != nil {
		return nil, closeFn, err
	}
	return auth, closeFn, nil
}
