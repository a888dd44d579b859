package storage

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/domain"
)

// RedisFeed is a Feed on Redis pub/sub, shared by every process that points
// at the same Redis.
type RedisFeed struct {
	rc     *redis.Client
	logger *log.Logger
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(rc *redis.Client, logger *log.Logger) *RedisFeed {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisFeed{rc: rc, logger: logger}
}

// RedisOptions accepts either a redis:// URL or the
// "host:port,password=...,ssl=true" form.
func RedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// Publish sends ev to the user's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return f.rc.Publish(ctx, channelName(ev.UserID, collectionOf(ev)), data).Err()
}

// Subscribe listens on the user's channel. The Redis client re-subscribes by
// itself after a dropped connection; every re-subscription triggers onResync.
func (f *RedisFeed) Subscribe(ctx context.Context, uid, collection string, onEvent func(domain.ChangeEvent), onResync func()) (func(), error) {
	name := channelName(uid, collection)
	sub := f.rc.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.ChannelWithSubscriptions()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind == "subscribe" {
						f.logger.WithField("channel", name).Warn("storage: change feed reconnected")
						if onResync != nil {
							onResync()
						}
					}
				case *redis.Message:
					var ev domain.ChangeEvent
					if err := sonic.UnmarshalString(m.Payload, &ev); err != nil {
						f.logger.WithError(err).WithField("channel", name).Error("storage: unable to parse change event")
						continue
					}
					onEvent(ev)
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
			<-done
		})
	}
	return stop, nil
}

// Close closes the Redis client.
func (f *RedisFeed) Close() error {
	return f.rc.Close()
}
