package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tempo/pkg/logx"
)

const (
	DefaultRedisPrefix = "tempo"
	DefaultSendTimeout = 10 * time.Second
	// DefaultNodeTTL is three default pulse intervals.
	DefaultNodeTTL = 90 * time.Second
)

// RedisConfig configures the Redis transport.
type RedisConfig struct {
	Addr        string
	Prefix      string
	SendTimeout time.Duration
	// NodeTTL is how long a node stays known without broadcasting. Every
	// broadcast from a locally registered node extends it.
	NodeTTL time.Duration
}

// Redis carries messages over Redis pub/sub.
//
// Layout under Prefix:
//
//	<prefix>:node:<name>   point-to-point channel of a node
//	<prefix>:type:<type>   broadcast channel of a message type
//	<prefix>:reply:<id>    one-shot reply channel for Send
//	<prefix>:nodes:<name>  hash with the node's metadata
type Redis struct {
	client      *redis.Client
	ownsClient  bool
	prefix      string
	sendTimeout time.Duration
	nodeTTL     time.Duration

	missed MissedRecorder
	log    logx.Logger

	mu     sync.Mutex
	subs   map[string]*redisNode
	closed bool
	wg     sync.WaitGroup
}

type redisNode struct {
	name string
	h    Handler
	ps   *redis.PubSub
}

// replyEnvelope is what a node publishes on a reply channel.
type replyEnvelope struct {
	Reply Reply  `json:"reply"`
	Error string `json:"error,omitempty"`
}

// NewRedisClient creates a client with the timeouts the transport expects.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// NewRedis dials cfg.Addr. The returned bus owns the client and closes it.
func NewRedis(ctx context.Context, cfg RedisConfig, log logx.Logger, missed MissedRecorder) (*Redis, error) {
	client := NewRedisClient(cfg.Addr)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	b := NewRedisWithClient(client, cfg, log, missed)
	b.ownsClient = true
	return b, nil
}

// NewRedisWithClient wraps an existing client. The caller keeps ownership.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig, log logx.Logger, missed MissedRecorder) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ttl := cfg.NodeTTL
	if ttl <= 0 {
		ttl = DefaultNodeTTL
	}
	return &Redis{
		client:      client,
		prefix:      prefix,
		sendTimeout: timeout,
		nodeTTL:     ttl,
		missed:      missed,
		log:         log.With(logx.String("comp", "bus.redis")),
		subs:        map[string]*redisNode{},
	}
}

func (b *Redis) nodeChannel(name string) string { return b.prefix + ":node:" + name }
func (b *Redis) typeChannel(typ string) string  { return b.prefix + ":type:" + typ }
func (b *Redis) replyChannel(id string) string  { return b.prefix + ":reply:" + id }
func (b *Redis) metaKey(name string) string     { return b.prefix + ":nodes:" + name }

func (b *Redis) Register(ctx context.Context, name string, h Handler, meta Metadata) error {
	if name == "" || name == Everyone {
		return fmt.Errorf("bus: invalid node name %q", name)
	}
	caps, err := json.Marshal(meta.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if n, ok := b.subs[name]; ok {
		n.h = h
	} else {
		ps := b.client.Subscribe(ctx, b.nodeChannel(name))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("redis subscribe %s: %w", name, err)
		}
		n := &redisNode{name: name, h: h, ps: ps}
		b.subs[name] = n
		b.wg.Add(1)
		go b.consume(n)
	}

	key := b.metaKey(name)
	if err := b.client.HSet(ctx, key,
		"type", meta.Type,
		"capabilities", string(caps),
		"registered_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if err := b.client.Expire(ctx, key, b.nodeTTL).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, name, msgType string) error {
	b.mu.Lock()
	n, ok := b.subs[name]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("subscribe %s: %w", name, ErrUnknownNode)
	}
	if err := n.ps.Subscribe(ctx, b.typeChannel(msgType)); err != nil {
		return fmt.Errorf("redis subscribe %s to %s: %w", name, msgType, err)
	}
	return nil
}

// Send publishes m on the target's channel and waits on a private reply channel.
// A node is known when its metadata hash exists; messages to any other node are
// handed to the missed recorder.
func (b *Redis) Send(ctx context.Context, m Message) (Reply, error) {
	if b.isClosed() {
		return Reply{}, ErrClosed
	}
	stamp(&m)

	exists, err := b.client.Exists(ctx, b.metaKey(m.To)).Result()
	if err != nil {
		return Reply{}, fmt.Errorf("redis exists %s: %w", m.To, err)
	}
	if exists == 0 {
		if b.missed != nil {
			if rerr := b.missed.RecordMissed(ctx, m); rerr != nil {
				b.log.Warn("missed message not recorded", logx.String("to", m.To), logx.Err(rerr))
			}
		}
		return Reply{}, fmt.Errorf("send %s to %s: %w", m.Type, m.To, ErrUnknownNode)
	}

	m.ReplyTo = b.replyChannel(m.ID)
	rps := b.client.Subscribe(ctx, m.ReplyTo)
	defer rps.Close()
	if _, err := rps.Receive(ctx); err != nil {
		return Reply{}, fmt.Errorf("redis subscribe reply: %w", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.nodeChannel(m.To), raw).Err(); err != nil {
		return Reply{}, fmt.Errorf("redis publish to %s: %w", m.To, err)
	}

	wctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	select {
	case msg, ok := <-rps.Channel():
		if !ok {
			return Reply{}, ErrClosed
		}
		var env replyEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			return Reply{}, fmt.Errorf("decode reply: %w", err)
		}
		if env.Error != "" {
			return env.Reply, errors.New(env.Error)
		}
		return env.Reply, nil
	case <-wctx.Done():
		return Reply{}, fmt.Errorf("await reply from %s: %w", m.To, wctx.Err())
	}
}

func (b *Redis) Broadcast(ctx context.Context, m Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	stamp(&m)
	m.To = Everyone
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.typeChannel(m.Type), raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", m.Type, err)
	}
	b.keepAlive(ctx, m.From)
	return nil
}

// keepAlive extends the metadata TTL of a node registered on this bus.
func (b *Redis) keepAlive(ctx context.Context, name string) {
	b.mu.Lock()
	_, local := b.subs[name]
	b.mu.Unlock()
	if !local {
		return
	}
	if err := b.client.Expire(ctx, b.metaKey(name), b.nodeTTL).Err(); err != nil {
		b.log.Debug("node ttl not refreshed", logx.String("node", name), logx.Err(err))
	}
}

func (b *Redis) consume(n *redisNode) {
	defer b.wg.Done()
	for msg := range n.ps.Channel() {
		var m Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			b.log.Warn("undecodable message dropped", logx.String("channel", msg.Channel), logx.Err(err))
			continue
		}
		// Broadcasts come back to their sender through the type channel.
		if m.To == Everyone && m.From == n.name {
			continue
		}
		// Handlers may Send to a peer that is itself waiting on this node, so
		// each delivery gets its own goroutine.
		b.wg.Add(1)
		go func(m Message) {
			defer b.wg.Done()
			b.deliver(n, m)
		}(m)
	}
}

func (b *Redis) deliver(n *redisNode, m Message) {
	b.mu.Lock()
	h := n.h
	b.mu.Unlock()
	if h == nil {
		return
	}

	ctx := context.Background()
	reply, err := h(ctx, m)
	if m.ReplyTo == "" {
		if err != nil {
			b.log.Debug("broadcast handler failed", logx.String("type", m.Type), logx.Err(err))
		}
		return
	}
	env := replyEnvelope{Reply: reply}
	if err != nil {
		env.Error = err.Error()
	}
	raw, merr := json.Marshal(env)
	if merr != nil {
		b.log.Warn("reply encode failed", logx.Err(merr))
		return
	}
	if perr := b.client.Publish(ctx, m.ReplyTo, raw).Err(); perr != nil {
		b.log.Warn("reply publish failed", logx.String("reply_to", m.ReplyTo), logx.Err(perr))
	}
}

func (b *Redis) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close unsubscribes every node, waits for their consumers and removes their
// metadata.
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	nodes := make([]*redisNode, 0, len(b.subs))
	for _, n := range b.subs {
		nodes = append(nodes, n)
	}
	b.mu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, n := range nodes {
		if err := n.ps.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.client.Del(ctx, b.metaKey(n.name)).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if b.ownsClient {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
