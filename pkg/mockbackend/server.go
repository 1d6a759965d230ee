// Package mockbackend is a websocket chat backend speaking the convsync wire
// protocol. It exists for local development (convsync serve-mock) and tests.
//
// Prompt conventions:
//   - containing "workout": a workout_generated signal precedes the reply.
//   - containing "fail": the stream ends with an error frame instead of done.
//   - containing "drop": the socket is closed after the first content delta.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/transport"
)

type Options struct {
	// ChunkSize is the number of runes per content delta.
	ChunkSize  int
	ChunkDelay time.Duration
	Reply      func(prompt string) string
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	convID string
	config string
	mu     sync.Mutex
}

func New(opts Options) *Server {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4
	}
	if opts.Reply == nil {
		opts.Reply = DefaultReply
	}
	return &Server{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    map[*client]struct{}{},
	}
}

// DefaultReply produces a short markdown answer for prompt.
func DefaultReply(prompt string) string {
	if strings.Contains(strings.ToLower(prompt), "workout") {
		return "Here is your **workout** plan. Warm up first, then work through the sets."
	}
	return fmt.Sprintf("You said: %s", strings.TrimSpace(prompt))
}

// Workout is the payload of the workout_generated signal.
type Workout struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Exercises []Exercise `json:"exercises"`
}

type Exercise struct {
	Name string `json:"name"`
	Sets int    `json:"sets"`
	Reps int    `json:"reps"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(r.URL.Query().Get("conv_id"))
	if convID == "" {
		http.Error(w, "missing conv_id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("component", "mockbackend").Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, convID: convID, config: r.URL.Query().Get("config")}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	wsLog := log.With().
		Str("component", "mockbackend").
		Str("remote", conn.RemoteAddr().String()).
		Str("conv_id", convID).
		Str("config", c.config).
		Logger()
	wsLog.Debug().Msg("ws connected")

	go func() {
		defer s.remove(c)
		defer wsLog.Debug().Msg("ws disconnected")
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			var env transport.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				wsLog.Warn().Err(err).Msg("ignoring undecodable envelope")
				continue
			}
			if env.Type != transport.TypeMessage {
				wsLog.Debug().Str("type", env.Type).Msg("ignoring envelope")
				continue
			}
			var msg transport.MessageData
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				_ = s.write(c, transport.Event{Kind: transport.EventError, Message: "invalid message payload"})
				continue
			}
			if err := s.respond(c, msg.Content, wsLog); err != nil {
				wsLog.Debug().Err(err).Msg("respond ended")
				return
			}
		}
	}()
}

func (s *Server) respond(c *client, prompt string, l zerolog.Logger) error {
	lower := strings.ToLower(prompt)
	if err := s.write(c, transport.Event{Kind: transport.EventLoadingStart}); err != nil {
		return err
	}
	if strings.Contains(lower, "workout") {
		payload, err := json.Marshal(Workout{
			ID:    uuid.NewString(),
			Title: "Full body",
			Exercises: []Exercise{
				{Name: "squat", Sets: 3, Reps: 8},
				{Name: "push-up", Sets: 3, Reps: 12},
			},
		})
		if err != nil {
			return errors.Wrap(err, "marshal workout")
		}
		if err := s.write(c, transport.Event{Kind: transport.EventSignal, SignalType: "workout_generated", Data: payload}); err != nil {
			return err
		}
	}

	for i, chunk := range Chunk(s.opts.Reply(prompt), s.opts.ChunkSize) {
		if err := s.write(c, transport.Event{Kind: transport.EventContent, Delta: chunk}); err != nil {
			return err
		}
		if i == 0 && strings.Contains(lower, "drop") {
			l.Info().Msg("dropping connection mid-stream")
			return c.conn.Close()
		}
		if s.opts.ChunkDelay > 0 {
			time.Sleep(s.opts.ChunkDelay)
		}
	}

	if strings.Contains(lower, "fail") {
		return s.write(c, transport.Event{Kind: transport.EventError, Message: "backend failure"})
	}
	return s.write(c, transport.Event{Kind: transport.EventDone})
}

// Push writes ev to every socket attached to convID and returns how many received it.
func (s *Server) Push(convID string, ev transport.Event) int {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		if c.convID == convID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, c := range targets {
		if err := s.write(c, ev); err == nil {
			n++
		}
	}
	return n
}

// Count reports the number of attached sockets.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll drops every attached socket without a close handshake.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *Server) write(c *client, ev transport.Event) error {
	b, err := transport.EncodeEvent(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}

// Chunk splits text into pieces of at most size runes.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = 1
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
