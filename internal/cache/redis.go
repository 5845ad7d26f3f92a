package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// RedisConfig carries the connection parameters for the recovery snapshot
// store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const (
	redisDefaultTimeout = 5 * time.Second
	redisNamespace      = "sentryview:"
)

// RedisClient speaks just enough RESP for write-ahead snapshots: SET with PX,
// GET, DEL and the PING/AUTH/SELECT handshake. One connection, serialised by
// a mutex; snapshot traffic is a single small write every few seconds, so
// pooling would buy nothing.
type RedisClient struct {
	cfg RedisConfig

	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

// NewRedisClient dials and verifies the server with a PING so a bad address
// or credential fails at startup, not at the first checkpoint.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = redisDefaultTimeout
	}

	client := &RedisClient{cfg: cfg}

	client.mu.Lock()
	defer client.mu.Unlock()
	if err := client.connectLocked(context.Background()); err != nil {
		return nil, err
	}
	reply, err := client.roundTripLocked(context.Background(), "PING")
	if err != nil {
		return nil, err
	}
	if s, ok := reply.(string); !ok || s != "PONG" {
		return nil, fmt.Errorf("redis: unexpected PING reply %v", reply)
	}
	return client, nil
}

// Close tears down the connection.
func (r *RedisClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropLocked()
}

// Set stores a value; a positive ttl becomes a PX expiry.
func (r *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", redisNamespace + key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	_, err := r.do(ctx, args...)
	return err
}

// Get reads a value; a nil bulk reply maps to found=false.
func (r *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := r.do(ctx, "GET", redisNamespace+key)
	if err != nil {
		return nil, false, err
	}
	switch v := reply.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return v, true, nil
	default:
		return nil, false, fmt.Errorf("redis: unexpected GET reply %T", reply)
	}
}

// Delete removes keys; missing keys are not an error.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]string, 1, len(keys)+1)
	args[0] = "DEL"
	for _, key := range keys {
		args = append(args, redisNamespace+key)
	}
	_, err := r.do(ctx, args...)
	return err
}

func (r *RedisClient) do(ctx context.Context, args ...string) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.c == nil {
		if err := r.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	reply, err := r.roundTripLocked(ctx, args...)
	if err != nil {
		// Drop the connection on any transport fault; the next call
		// redials.
		_ = r.dropLocked()
		return nil, err
	}
	return reply, nil
}

func (r *RedisClient) roundTripLocked(ctx context.Context, args ...string) (interface{}, error) {
	deadline := time.Now().Add(r.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.c.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := writeArray(r.bw, args); err != nil {
		return nil, err
	}
	if err := r.bw.Flush(); err != nil {
		return nil, err
	}
	return readReply(r.br)
}

func (r *RedisClient) connectLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if r.cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: &net.Dialer{}}).DialContext(dialCtx, "tcp", r.cfg.Address)
	} else {
		conn, err = (&net.Dialer{}).DialContext(dialCtx, "tcp", r.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("redis: dial %s: %w", r.cfg.Address, err)
	}

	r.c = conn
	r.br = bufio.NewReader(conn)
	r.bw = bufio.NewWriter(conn)

	if err := r.handshakeLocked(ctx); err != nil {
		_ = r.dropLocked()
		return err
	}
	return nil
}

func (r *RedisClient) handshakeLocked(ctx context.Context) error {
	if r.cfg.Password != "" || r.cfg.Username != "" {
		args := []string{"AUTH"}
		if r.cfg.Username != "" {
			args = append(args, r.cfg.Username)
		}
		args = append(args, r.cfg.Password)
		if err := r.expectOK(ctx, args...); err != nil {
			return fmt.Errorf("redis: auth: %w", err)
		}
	}
	if r.cfg.DB > 0 {
		if err := r.expectOK(ctx, "SELECT", strconv.Itoa(r.cfg.DB)); err != nil {
			return fmt.Errorf("redis: select db %d: %w", r.cfg.DB, err)
		}
	}
	return nil
}

func (r *RedisClient) expectOK(ctx context.Context, args ...string) error {
	reply, err := r.roundTripLocked(ctx, args...)
	if err != nil {
		return err
	}
	if s, ok := reply.(string); !ok || s != "OK" {
		return fmt.Errorf("unexpected reply %v", reply)
	}
	return nil
}

func (r *RedisClient) dropLocked() error {
	if r.c == nil {
		return nil
	}
	err := r.c.Close()
	r.c = nil
	r.br = nil
	r.bw = nil
	return err
}

// writeArray emits a RESP array of bulk strings.
func writeArray(w *bufio.Writer, args []string) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return err
		}
	}
	return nil
}

func readReply(br *bufio.Reader) (interface{}, error) {
	kind, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	switch kind {
	case '+':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis: %s", line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		body := make([]byte, n+2) // payload plus trailing CRLF
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		if body[n] != '\r' || body[n+1] != '\n' {
			return nil, errors.New("redis: bulk reply missing CRLF")
		}
		return body[:n], nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		items := make([]interface{}, n)
		for i := range items {
			if items[i], err = readReply(br); err != nil {
				return nil, err
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("redis: unknown reply type %q", kind)
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", errors.New("redis: malformed line")
	}
	return line[:len(line)-2], nil
}
