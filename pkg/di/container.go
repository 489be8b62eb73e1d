package di

import (
	"context"
	"errors"
	"sync"

	"yochat/client/internal/api"
	"yochat/client/internal/chat"
	"yochat/client/internal/realtime"
	"yochat/client/pkg/cache"
	"yochat/client/pkg/config"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/resilience"
)

// Container holds all the dependencies of the chat client
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	API      *api.Client
	Auth     *api.Auth
	Identity *api.Session
	Rooms    *api.Rooms
	Cache    cache.Closer

	mu       sync.Mutex
	channels []*realtime.Client
}

// New creates a new dependency injection container
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) *Container {
	if log == nil {
		log = logger.Nop()
	}

	breaker := resilience.DefaultCircuitBreakerConfig("api")
	breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	breaker.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breaker.RetryTimeout = cfg.Breaker.RetryTimeout

	client := api.NewClient(api.Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		Breaker: breaker,
		Logger:  log,
	})
	names := cache.NewStore(ctx, cfg, log)

	return &Container{
		Config:   cfg,
		Logger:   log,
		API:      client,
		Auth:     api.NewAuth(client),
		Identity: api.NewSession(client),
		Rooms:    api.NewRooms(client, names),
		Cache:    names,
	}
}

// Chat builds a socket client and a chat session bound to the API token
// current at call time. The caller runs both.
func (c *Container) Chat() (*realtime.Client, *chat.Session) {
	channel := realtime.NewClient(realtime.Options{
		URL:              c.Config.Realtime.URL,
		Token:            c.API.Token(),
		PingPeriod:       c.Config.Realtime.PingPeriod,
		HandshakeTimeout: c.Config.Realtime.HandshakeLimit,
		MaxBackoff:       c.Config.Realtime.MaxBackoff,
		Logger:           c.Logger,
	})

	c.mu.Lock()
	c.channels = append(c.channels, channel)
	c.mu.Unlock()

	session := chat.NewSession(chat.Options{
		Channel:  channel,
		Identity: c.Identity,
		Rooms:    c.Rooms,
		Logger:   c.Logger,
	})
	return channel, session
}

// Close releases the sockets and the cache.
func (c *Container) Close() error {
	c.mu.Lock()
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Cache.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
