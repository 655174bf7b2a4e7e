// Package control is the host control plane: the analyzer's register file mirrored into redis.
//
// Layout of the mirror, with key "pcie-analyzer":
//
//	pcie-analyzer         hash   register name -> current value, plus "session"
//	pcie-analyzer:write   hash   register name -> value the host wants written
//
// The analyzer side (Mirror) applies pending writes, publishes the register values, and only
// then deletes the applied fields, so once a host sees its write gone from the :write hash the
// main hash already reflects it.
package control

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/go-logr/logr"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"pcieanalyzer/proto/csr"
)

// Timeout applies to connect, read and write on redis connections.
const Timeout = 500 * time.Millisecond

// SessionField holds the capture session id in the main hash.
const SessionField = "session"

// Dialer opens a redis connection.
type Dialer func() (redis.Conn, error)

// TCPDialer dials a redis server at addr.
func TCPDialer(addr string) Dialer {
	return func() (redis.Conn, error) {
		return redis.Dial("tcp", addr,
			redis.DialConnectTimeout(Timeout),
			redis.DialReadTimeout(Timeout),
			redis.DialWriteTimeout(Timeout))
	}
}

func writeKey(key string) string { return key + ":write" }

// ════════════════════════════════════════════════════════════════════════════════════════════════
// Analyzer side
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Mirror keeps a redis hash in step with a register file.
type Mirror struct {
	regs     *csr.File
	dial     Dialer
	key      string
	session  string
	interval time.Duration
	log      logr.Logger
	conn     redis.Conn

	// Reconnect pacing after a failed round. Exported so callers can tune it.
	Backoff *backoff.Backoff
}

func NewMirror(regs *csr.File, dial Dialer, key, session string, interval time.Duration, log logr.Logger) *Mirror {
	return &Mirror{
		regs:     regs,
		dial:     dial,
		key:      key,
		session:  session,
		interval: interval,
		log:      log,
		Backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: false,
		},
	}
}

// Sync runs one round: apply host writes, publish values, acknowledge the writes.
func (m *Mirror) Sync() error {
	if m.conn == nil {
		c, err := m.dial()
		if err != nil {
			return errors.Wrap(err, "dialing redis")
		}
		m.conn = c
	}

	pending, err := redis.StringMap(m.conn.Do("HGETALL", writeKey(m.key)))
	if err != nil {
		return m.fail(errors.Wrap(err, "reading host writes"))
	}
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)

	applied := redis.Args{}.Add(writeKey(m.key))
	for _, name := range names {
		text := pending[name]
		applied = applied.Add(name)
		v, err := strconv.ParseUint(text, 0, 32)
		if err != nil {
			m.log.Error(err, "ignoring host write", "register", name, "value", text)
			continue
		}
		if err := m.regs.Write(name, uint32(v)); err != nil {
			m.log.Error(err, "ignoring host write", "register", name)
			continue
		}
		m.log.V(1).Info("register written", "register", name, "value", v)
	}

	args := redis.Args{}.Add(m.key).AddFlat(m.regs.Snapshot())
	if m.session != "" {
		args = args.Add(SessionField, m.session)
	}
	if _, err := m.conn.Do("HSET", args...); err != nil {
		return m.fail(errors.Wrap(err, "publishing registers"))
	}

	if len(applied) > 1 {
		if _, err := m.conn.Do("HDEL", applied...); err != nil {
			return m.fail(errors.Wrap(err, "acknowledging host writes"))
		}
	}
	return nil
}

// fail drops the connection so the next round redials.
func (m *Mirror) fail(err error) error {
	m.conn.Close()
	m.conn = nil
	return err
}

// Run calls Sync every interval until ctx is done, backing off after failures.
func (m *Mirror) Run(ctx context.Context) error {
	defer m.Close()
	for {
		wait := m.interval
		if err := m.Sync(); err != nil {
			wait = m.Backoff.Duration()
			m.log.Error(err, "register mirror", "retryIn", wait)
		} else {
			m.Backoff.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (m *Mirror) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// Host side
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Client reads and writes analyzer registers through the mirror. It implements csr.Accessor.
type Client struct {
	conn redis.Conn
	key  string
}

func NewClient(conn redis.Conn, key string) *Client {
	return &Client{conn: conn, key: key}
}

func (c *Client) Read(name string) (uint32, error) {
	v, err := redis.Uint64(c.conn.Do("HGET", c.key, name))
	if err == redis.ErrNil {
		return 0, errors.Wrapf(csr.ErrUnknownRegister, "%q", name)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", name)
	}
	return uint32(v), nil
}

func (c *Client) Write(name string, v uint32) error {
	_, err := c.conn.Do("HSET", writeKey(c.key), name, v)
	return errors.Wrapf(err, "writing %s", name)
}

// Session returns the analyzer's session id.
func (c *Client) Session() (string, error) {
	s, err := redis.String(c.conn.Do("HGET", c.key, SessionField))
	return s, errors.Wrap(err, "reading session")
}

// WaitApplied blocks until the analyzer has applied every queued write.
func (c *Client) WaitApplied(ctx context.Context, poll time.Duration) error {
	for {
		n, err := redis.Int(c.conn.Do("HLEN", writeKey(c.key)))
		if err != nil {
			return errors.Wrap(err, "checking pending writes")
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Capture runs one recorder capture from the host: program base and length,
// pulse start, poll done.
func Capture(ctx context.Context, regs csr.Accessor, prefix string, base, length uint32, poll time.Duration) error {
	for _, w := range []struct {
		name string
		v    uint32
	}{
		{prefix + "_base", base},
		{prefix + "_length", length},
		{prefix + "_start", 1},
	} {
		if err := regs.Write(w.name, w.v); err != nil {
			return err
		}
	}

	if c, ok := regs.(*Client); ok {
		if err := c.WaitApplied(ctx, poll); err != nil {
			return err
		}
	}

	for {
		done, err := regs.Read(prefix + "_done")
		if err != nil {
			return err
		}
		if done == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
