package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/assembler"
	"github.com/go-go-golems/convsync/pkg/attachments"
	"github.com/go-go-golems/convsync/pkg/config"
	"github.com/go-go-golems/convsync/pkg/convsync"
	"github.com/go-go-golems/convsync/pkg/offlinequeue"
	"github.com/go-go-golems/convsync/pkg/persistence"
	"github.com/go-go-golems/convsync/pkg/transport"
)

// storage holds the durable collaborators shared by every subcommand.
type storage struct {
	attachments attachments.Store
	messages    assembler.History
	queue       *offlinequeue.Queue
	closers     []func() error
}

func (s *storage) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openStorage(ctx context.Context, s config.Settings) (*storage, error) {
	if err := persistence.EnsureDir(s.Storage.SQLitePath); err != nil {
		return nil, err
	}
	dsn, err := persistence.SQLiteDSNForFile(s.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	st := &storage{}

	as, err := persistence.NewSQLiteAttachmentStore(dsn)
	if err != nil {
		return nil, err
	}
	st.attachments = as
	st.closers = append(st.closers, as.Close)

	ms, err := persistence.NewSQLiteMessageStore(dsn)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.messages = ms
	st.closers = append(st.closers, ms.Close)

	var kv offlinequeue.KV
	switch s.Queue.Backend {
	case config.QueueMemory:
		kv = persistence.NewMemoryKV()
	case config.QueueRedis:
		rkv := persistence.NewRedisKV(redis.NewClient(&redis.Options{Addr: s.Redis.Addr}), s.Redis.Prefix+":")
		kv = rkv
		st.closers = append(st.closers, rkv.Close)
	default:
		skv, err := persistence.NewSQLiteKV(dsn)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		kv = skv
		st.closers = append(st.closers, skv.Close)
	}
	q, err := offlinequeue.Open(ctx, kv, s.Queue.Key)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.queue = q

	log.Debug().
		Str("component", "app").
		Str("sqlite", s.Storage.SQLitePath).
		Str("queue_backend", s.Queue.Backend).
		Int("queued", q.Len()).
		Msg("storage opened")
	return st, nil
}

// newDialer builds one dialer per configured backend. A single Redis Streams
// dialer is shared by every redis backend.
func newDialer(s config.Settings) (*transport.MuxDialer, func() error, error) {
	mux := &transport.MuxDialer{Backends: map[string]transport.Dialer{}}
	var redisDialer *transport.WatermillDialer
	for _, name := range s.BackendNames() {
		switch s.Backends[name].Transport {
		case config.TransportRedis:
			if redisDialer == nil {
				d, err := transport.NewRedisStreamDialer(s.RedisStreamOptions())
				if err != nil {
					return nil, nil, errors.Wrapf(err, "backend %s", name)
				}
				redisDialer = d
			}
			mux.Backends[name] = redisDialer
		default:
			mux.Backends[name] = transport.NewWebSocketDialer(s.WebSocketOptions(name))
		}
	}
	closer := func() error {
		if redisDialer == nil {
			return nil
		}
		return redisDialer.Close()
	}
	return mux, closer, nil
}

type app struct {
	settings config.Settings
	storage  *storage
	cache    *attachments.Cache
	client   *convsync.Client
	closeDlr func() error
}

func openApp(ctx context.Context, s config.Settings, onStream func(assembler.StreamingMessage)) (*app, error) {
	st, err := openStorage(ctx, s)
	if err != nil {
		return nil, err
	}
	cache, err := attachments.New(st.attachments, s.Attachments.OwnerID, s.Attachments.MaxPerConversation)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	dialer, closeDlr, err := newDialer(s)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	client, err := convsync.New(convsync.Options{
		Dialer:                dialer,
		Endpoints:             s.Endpoints(),
		ConnectTimeout:        s.Connection.ConnectTimeout,
		History:               st.messages,
		Attachments:           cache,
		Queue:                 st.queue,
		AttachmentSignalTypes: s.Attachments.SignalTypes,
		OnStream:              onStream,
	})
	if err != nil {
		_ = closeDlr()
		_ = st.Close()
		return nil, err
	}
	return &app{settings: s, storage: st, cache: cache, client: client, closeDlr: closeDlr}, nil
}

func (a *app) Close() error {
	err := a.client.Close()
	if derr := a.closeDlr(); derr != nil && err == nil {
		err = derr
	}
	if serr := a.storage.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}
