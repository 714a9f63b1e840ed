// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package stream consumes access events from NATS JetStream and feeds
// them to the detection engine. Delivery is at-least-once; the engine's
// processed-event index makes redelivery safe.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func eventValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// EventProcessor handles one decoded access event.
type EventProcessor interface {
	Process(ctx context.Context, event *models.Event) error
}

// Consumer is the suture service that runs the watermill router.
type Consumer struct {
	cfg        config.StreamConfig
	processor  EventProcessor
	router     *message.Router
	subscriber message.Subscriber
	poison     message.Publisher
}

// NewConsumer builds the subscriber, poison publisher and router with
// recovery, retry and poison-queue middleware.
func NewConsumer(cfg config.StreamConfig, processor EventProcessor) (*Consumer, error) {
	logger := NewLoggerAdapter()

	subscriber, err := NewSubscriber(cfg, logger)
	if err != nil {
		return nil, err
	}

	var poison message.Publisher
	if cfg.PoisonTopic != "" {
		poison, err = NewPoisonPublisher(cfg, logger)
		if err != nil {
			closeErr := subscriber.Close()
			if closeErr != nil {
				logger.Error("Close subscriber", closeErr, nil)
			}
			return nil, err
		}
	}

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create stream router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: cfg.RetryInterval,
		Multiplier:      2.0,
		Logger:          logger,
	}
	router.AddMiddleware(retry.Middleware)

	if poison != nil {
		poisonQueue, err := middleware.PoisonQueue(poison, cfg.PoisonTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		router.AddMiddleware(poisonQueue)
	}

	c := &Consumer{
		cfg:        cfg,
		processor:  processor,
		router:     router,
		subscriber: subscriber,
		poison:     poison,
	}
	router.AddConsumerHandler("access-events", cfg.Topic, subscriber, c.handle)
	return c, nil
}

// handle decodes, validates and processes one message. A returned error
// triggers retry and eventually the poison queue.
func (c *Consumer) handle(msg *message.Message) error {
	event := &models.Event{}
	if err := json.Unmarshal(msg.Payload, event); err != nil {
		metrics.StreamMessages.WithLabelValues("decode_error").Inc()
		return fmt.Errorf("decode access event %s: %w", msg.UUID, err)
	}
	if err := eventValidator().Struct(event); err != nil {
		metrics.StreamMessages.WithLabelValues("invalid").Inc()
		return fmt.Errorf("validate access event %s: %w", event.EventID, err)
	}

	if err := c.processor.Process(msg.Context(), event); err != nil {
		metrics.StreamMessages.WithLabelValues("process_error").Inc()
		return fmt.Errorf("process access event %s: %w", event.EventID, err)
	}
	metrics.StreamMessages.WithLabelValues("ok").Inc()
	return nil
}

// Serve implements suture.Service. It blocks until the context is
// canceled, then closes the broker connections.
func (c *Consumer) Serve(ctx context.Context) error {
	logging.Info().
		Str("url", c.cfg.URL).
		Str("topic", c.cfg.Topic).
		Str("queue_group", c.cfg.QueueGroup).
		Msg("Starting stream consumer")

	err := c.router.Run(ctx)

	if closeErr := c.subscriber.Close(); closeErr != nil {
		logging.Warn().Err(closeErr).Msg("Close stream subscriber")
	}
	if c.poison != nil {
		if closeErr := c.poison.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Close poison publisher")
		}
	}
	return err
}

func (c *Consumer) String() string {
	return "stream-consumer"
}
