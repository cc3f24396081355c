package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider implements Provider against a Valkey/Redis-compatible
// server, speaking just enough RESP for GET/SET/PING.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the cache server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// NewValkeyProvider creates a Provider and pings the target once so bad
// credentials or connectivity fail at startup instead of mid-job.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	p := &ValkeyProvider{cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := p.ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.withConn(ctx, func(c *conn) error {
		if err := c.writeCommand("GET", key); err != nil {
			return err
		}
		kind, data, err := c.readReply()
		if err != nil {
			return err
		}
		switch kind {
		case replyNil:
			return ErrCacheMiss
		case replyBulk:
			payload = data
			return nil
		default:
			return fmt.Errorf("unexpected valkey reply %q for GET", kind)
		}
	})
	return payload, err
}

// Set stores bytes with the provided TTL (no expiry when ttl <= 0).
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.withConn(ctx, func(c *conn) error {
		args := []string{key, string(value)}
		if ttl > 0 {
			args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
		}
		if err := c.writeCommand("SET", args...); err != nil {
			return err
		}
		kind, data, err := c.readReply()
		if err != nil {
			return err
		}
		if kind != replySimple || string(data) != "OK" {
			return fmt.Errorf("unexpected SET response: %s", data)
		}
		return nil
	})
}

// Close releases nothing; connections are per-call.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) ping(ctx context.Context) error {
	return p.withConn(ctx, func(c *conn) error {
		if err := c.writeCommand("PING"); err != nil {
			return err
		}
		kind, data, err := c.readReply()
		if err != nil {
			return err
		}
		if kind != replySimple || string(data) != "PONG" {
			return fmt.Errorf("unexpected PING response: %s", data)
		}
		return nil
	})
}

func (p *ValkeyProvider) withConn(ctx context.Context, fn func(*conn) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c, err := p.dial(ctx)
		if err == nil {
			err = p.bootstrap(c)
			if err == nil {
				err = fn(c)
			}
			c.close()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() || attempt == p.cfg.MaxRetries-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return lastErr
}

func (p *ValkeyProvider) dial(ctx context.Context) (*conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &conn{
		nc:           nc,
		reader:       bufio.NewReader(nc),
		writer:       bufio.NewWriter(nc),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

func (p *ValkeyProvider) bootstrap(c *conn) error {
	if p.cfg.Password != "" {
		args := []string{p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{p.cfg.Username, p.cfg.Password}
		}
		if err := c.writeCommand("AUTH", args...); err != nil {
			return err
		}
		kind, data, err := c.readReply()
		if err != nil {
			return err
		}
		if kind != replySimple || !strings.EqualFold(string(data), "OK") {
			return fmt.Errorf("auth failed: %s", data)
		}
	}
	if p.cfg.DB > 0 {
		if err := c.writeCommand("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return err
		}
		kind, data, err := c.readReply()
		if err != nil {
			return err
		}
		if kind != replySimple || !strings.EqualFold(string(data), "OK") {
			return fmt.Errorf("select failed: %s", data)
		}
	}
	return nil
}

type replyKind byte

const (
	replySimple replyKind = '+'
	replyBulk   replyKind = '$'
	replyNil    replyKind = '_'
)

// conn wraps a network connection with RESP helpers.
type conn struct {
	nc           net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *conn) close() { _ = c.nc.Close() }

func (c *conn) writeCommand(command string, args ...string) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	parts := append([]string{command}, args...)
	if _, err := fmt.Fprintf(c.writer, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, part := range parts {
		if _, err := fmt.Fprintf(c.writer, "$%d\r\n%s\r\n", len(part), part); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *conn) readReply() (replyKind, []byte, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, nil, err
	}
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	switch prefix {
	case '+', ':':
		line, err := c.readLine()
		return replySimple, line, err
	case '-':
		line, err := c.readLine()
		if err != nil {
			return 0, nil, err
		}
		return 0, nil, errors.New(string(line))
	case '$':
		line, err := c.readLine()
		if err != nil {
			return 0, nil, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return 0, nil, err
		}
		if size < 0 {
			return replyNil, nil, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return 0, nil, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return 0, nil, errors.New("invalid bulk termination")
		}
		return replyBulk, buf[:size], nil
	default:
		return 0, nil, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *conn) readLine() ([]byte, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
