// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package natsbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// ensureStream creates or updates a JetStream stream, idempotently.
// Grounded on eventprocessor.StreamInitializer.EnsureStream in the teacher
// repo: same try-get-then-create-or-update shape, same LimitsPolicy /
// FileStorage / AllowDirect defaults.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		MaxMsgs:     cfg.MaxMsgs,
		Replicas:    cfg.Replicas,
		Storage:     jetstream.FileStorage,
		AllowDirect: true,
		Discard:     jetstream.DiscardOld,
		AllowRollup: true,
	}

	_, err := js.Stream(ctx, cfg.Name)
	if err == nil {
		stream, err := js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", cfg.Name, err)
}
