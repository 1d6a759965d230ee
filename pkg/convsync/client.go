// Package convsync is the consumer-facing facade over the connection registry,
// stream assembler, signal router, attachment cache and offline queue.
//
// The application root constructs one Client and closes it on shutdown. Every
// inbound event of every pooled connection flows through the Client: signals
// go to the signal router (and, for attachment signal types, into the
// attachment cache), everything else goes to the stream assembler.
package convsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/assembler"
	"github.com/go-go-golems/convsync/pkg/attachments"
	"github.com/go-go-golems/convsync/pkg/errs"
	"github.com/go-go-golems/convsync/pkg/offlinequeue"
	"github.com/go-go-golems/convsync/pkg/registry"
	"github.com/go-go-golems/convsync/pkg/signals"
	"github.com/go-go-golems/convsync/pkg/transport"
)

const attachmentSaveTimeout = 30 * time.Second

type Options struct {
	Dialer         transport.Dialer
	Endpoints      map[string]string
	ConnectTimeout time.Duration

	// History defaults to an in-memory history.
	History assembler.History
	// Attachments and Queue are optional. Without Attachments, attachment
	// signals are only routed; without Queue, failed saves are only logged.
	Attachments *attachments.Cache
	Queue       *offlinequeue.Queue
	// Signals defaults to a fresh router.
	Signals               *signals.Router
	AttachmentSignalTypes []string

	// OnStream observes every delta and finalization of every stream.
	OnStream func(assembler.StreamingMessage)
}

type Client struct {
	registry    *registry.Registry
	assembler   *assembler.Assembler
	signals     *signals.Router
	attachments *attachments.Cache
	queue       *offlinequeue.Queue
	attachTypes map[string]struct{}

	bg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Client, error) {
	c := &Client{
		signals:     opts.Signals,
		attachments: opts.Attachments,
		queue:       opts.Queue,
		attachTypes: map[string]struct{}{},
	}
	if c.signals == nil {
		c.signals = signals.NewRouter()
	}
	for _, t := range opts.AttachmentSignalTypes {
		if t = strings.TrimSpace(t); t != "" {
			c.attachTypes[t] = struct{}{}
		}
	}

	var asmOpts []assembler.Option
	if opts.OnStream != nil {
		asmOpts = append(asmOpts, assembler.WithOnUpdate(opts.OnStream))
	}
	c.assembler = assembler.New(opts.History, asmOpts...)

	reg, err := registry.New(registry.Options{
		Dialer:         opts.Dialer,
		Endpoints:      opts.Endpoints,
		ConnectTimeout: opts.ConnectTimeout,
		OnEvent:        c.route,
	})
	if err != nil {
		return nil, errors.Wrap(err, "convsync: registry")
	}
	c.registry = reg
	return c, nil
}

func key(configKey, conversationID string) registry.Key {
	return registry.Key{ConfigKey: configKey, ConversationID: conversationID}
}

// AcquireConnection takes a reference on the (configKey, conversationID)
// connection, dialing it if needed, and warms the conversation's attachments.
func (c *Client) AcquireConnection(ctx context.Context, configKey, conversationID string) error {
	if _, err := c.registry.Acquire(ctx, key(configKey, conversationID)); err != nil {
		return err
	}
	if c.attachments != nil {
		if err := c.attachments.Load(ctx, conversationID); err != nil {
			log.Warn().Err(err).Str("component", "convsync").Str("conv_id", conversationID).Msg("loading attachments failed")
		}
	}
	return nil
}

// ReleaseConnection drops one reference taken by AcquireConnection.
func (c *Client) ReleaseConnection(configKey, conversationID string) {
	c.registry.Release(key(configKey, conversationID))
}

// SendMessage sends content on the connection and records it as a user
// message once the send succeeded. The connection must be CONNECTED and not
// backpressured.
func (c *Client) SendMessage(ctx context.Context, configKey, conversationID, content string) error {
	k := key(configKey, conversationID)
	if strings.TrimSpace(content) == "" {
		return errs.Validation("convsync.send_message", k.String(), "message content is empty")
	}
	if !c.registry.CanSend(k) {
		return errs.Validation("convsync.send_message", k.String(), "connection is not ready to send")
	}
	env, err := transport.NewEnvelope(transport.TypeMessage, transport.MessageData{Content: content})
	if err != nil {
		return errs.Validation("convsync.send_message", k.String(), "%v", err)
	}
	// The sequence is taken before sending so the reply always sorts after it.
	m := c.assembler.NewUserMessage(conversationID, content)
	if err := c.registry.Send(ctx, k, env); err != nil {
		return err
	}
	return c.assembler.Record(m)
}

func (c *Client) SubscribeSignals(conversationID string, h signals.Handler) signals.Unsubscribe {
	return c.signals.Register(conversationID, h)
}

// GetMessages returns the finalized messages of conversationID in sequence order.
func (c *Client) GetMessages(conversationID string) ([]assembler.Message, error) {
	return c.assembler.Messages(conversationID)
}

// GetAttachments returns cached attachments of conversationID, newest first.
func (c *Client) GetAttachments(conversationID string) []attachments.Record {
	if c.attachments == nil {
		return nil
	}
	return c.attachments.GetByConversation(conversationID)
}

func (c *Client) CurrentStream(configKey, conversationID string) (assembler.StreamingMessage, bool) {
	return c.assembler.Current(key(configKey, conversationID))
}

func (c *Client) ObserveConnections(fn func(registry.StateChange)) func() {
	return c.registry.Observe(fn)
}

func (c *Client) ConnectionState(configKey, conversationID string) registry.State {
	conn, ok := c.registry.Get(key(configKey, conversationID))
	if !ok {
		return registry.StateDisconnected
	}
	return conn.State()
}

func (c *Client) Registry() *registry.Registry { return c.registry }

func (c *Client) Queue() *offlinequeue.Queue { return c.queue }

// Close tears down every connection and waits for background attachment saves.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.registry.Close()
		c.bg.Wait()
	})
	return c.closeErr
}

func (c *Client) route(src registry.Source, ev transport.Event) {
	k := src.Key
	if ev.Kind != transport.EventSignal {
		c.assembler.HandleFrom(src, ev)
		return
	}
	if _, ok := c.attachTypes[ev.SignalType]; ok && c.attachments != nil {
		c.attach(k.ConversationID, ev)
	}
	n := c.signals.Emit(k.ConversationID, ev.SignalType, ev.Data)
	log.Debug().
		Str("component", "convsync").
		Str("key", k.String()).
		Str("signal", ev.SignalType).
		Int("handlers", n).
		Msg("signal routed")
}

// attach adds the signal payload to the attachment cache. A failed durable
// save is handed to the offline queue so the payload is not lost.
func (c *Client) attach(conversationID string, ev transport.Event) {
	rec := attachments.Record{
		ID:             attachmentID(ev.Data),
		ConversationID: conversationID,
		Payload:        ev.Data,
		CreatedAt:      ev.At,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), attachmentSaveTimeout)
	done := c.attachments.AddOptimistic(ctx, rec)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer cancel()
		err := <-done
		if err == nil {
			return
		}
		l := log.With().Str("component", "convsync").Str("conv_id", conversationID).Str("attachment_id", rec.ID).Logger()
		if !errs.IsPersistence(err) || c.queue == nil {
			l.Error().Err(err).Msg("attachment not saved")
			return
		}
		item, perr := attachments.PendingItem(rec)
		if perr != nil {
			l.Error().Err(perr).Msg("attachment not queued")
			return
		}
		item.LastError = err.Error()
		if qerr := c.queue.Add(context.Background(), item); qerr != nil {
			l.Error().Err(qerr).Msg("queueing attachment failed")
			return
		}
		l.Warn().Err(err).Msg("attachment save failed, queued for sync")
	}()
}

// attachmentID is the payload's "id" field, or a new uuid.
func attachmentID(data json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	if len(data) > 0 && json.Unmarshal(data, &v) == nil && strings.TrimSpace(v.ID) != "" {
		return strings.TrimSpace(v.ID)
	}
	return uuid.NewString()
}
