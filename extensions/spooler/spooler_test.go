package spooler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vitalvas/mqttv3"
)

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	err       error
	payloads  []string
}

func (c *fakeClient) PublishPayload(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	c.payloads = append(c.payloads, string(payload))
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestSpooler(t *testing.T, client Client, opts Options) *Spooler {
	t.Helper()

	if opts.OutboundDir == "" {
		opts.OutboundDir = t.TempDir()
	}
	opts.Rate = rate.Inf

	s, err := New(client, &opts)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNew(t *testing.T) {
	_, err := New(nil, &Options{OutboundDir: "x"})
	assert.ErrorIs(t, err, ErrClientRequired)

	_, err = New(&fakeClient{}, nil)
	assert.ErrorIs(t, err, ErrNoOutboundDir)

	s, err := New(&fakeClient{}, &Options{OutboundDir: "x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.opts.Interval)
	assert.Equal(t, DefaultMaxEntries, s.opts.MaxEntries)
	assert.Equal(t, DefaultMaxPayload, s.opts.MaxPayload)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line  string
		entry Entry
		ok    bool
	}{
		{"machine.temperature;21.5;1000", Entry{"machine.temperature", "21.5", 1000}, true},
		{"k;v;", Entry{"k", "v", 0}, true},
		{"k;v;abc", Entry{"k", "v", 0}, true},
		{"k;a;b;c", Entry{"k", "a", 0}, true},
		{"k;v", Entry{}, false},
		{";v;1", Entry{}, false},
		{"garbage", Entry{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			entry, ok := ParseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.entry, entry)
		})
	}

	assert.Equal(t, "k;v;5", FormatLine(Entry{"k", "v", 5}))
}

func TestBuildPayloads(t *testing.T) {
	entries := []Entry{
		{"temp", "20", 1},
		{"hum", "40", 2},
		{"temp", "21", 3},
	}

	payloads, err := BuildPayloads(entries, 2000)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t,
		`[{"temp":[{"timestamp":1,"value":"20"},{"timestamp":3,"value":"21"}]}, {"hum":[{"timestamp":2,"value":"40"}]}]`,
		string(payloads[0]))

	t.Run("split by size", func(t *testing.T) {
		payloads, err := BuildPayloads(entries, 80)
		require.NoError(t, err)
		require.Len(t, payloads, 2)
		assert.True(t, strings.HasPrefix(string(payloads[0]), `[{"temp":`))
		assert.Equal(t, `[{"hum":[{"timestamp":2,"value":"40"}]}]`, string(payloads[1]))
		for _, p := range payloads {
			assert.LessOrEqual(t, len(p), 80)
		}
	})

	t.Run("group too large", func(t *testing.T) {
		_, err := BuildPayloads(entries, 20)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("empty", func(t *testing.T) {
		payloads, err := BuildPayloads(nil, 100)
		require.NoError(t, err)
		assert.Empty(t, payloads)
	})
}

func TestScan(t *testing.T) {
	client := &fakeClient{connected: true}
	s := newTestSpooler(t, client, Options{})
	dir := s.opts.OutboundDir

	a := writeFile(t, dir, "a.csv", "temp;20;1000\nbad line\n\ntemp;21;0\n")
	b := writeFile(t, dir, "b.csv", "hum;40;2000\n")
	other := writeFile(t, dir, "notes.txt", "x;y;1\n")

	n, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	now := fixedNow.UnixMilli()
	require.Len(t, client.published(), 1)
	assert.Equal(t,
		`[{"temp":[{"timestamp":1000,"value":"20"},{"timestamp":`+itoa(now)+`,"value":"21"}]}, {"hum":[{"timestamp":2000,"value":"40"}]}]`,
		client.published()[0])

	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.FileExists(t, other)

	n, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, client.published(), 1)
}

func TestScanOffline(t *testing.T) {
	client := &fakeClient{}
	s := newTestSpooler(t, client, Options{})
	path := writeFile(t, s.opts.OutboundDir, "a.csv", "temp;20;1000\n")

	n, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.published())
	assert.FileExists(t, path)
}

func TestScanPublishFailureKeepsFiles(t *testing.T) {
	client := &fakeClient{connected: true, err: mqttv3.ErrNotConnected}
	s := newTestSpooler(t, client, Options{})
	path := writeFile(t, s.opts.OutboundDir, "a.csv", "temp;20;1000\n")

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, mqttv3.ErrNotConnected)
	assert.FileExists(t, path)
}

func TestScanMaxEntries(t *testing.T) {
	client := &fakeClient{connected: true}
	s := newTestSpooler(t, client, Options{MaxEntries: 3})
	dir := s.opts.OutboundDir

	a := writeFile(t, dir, "a.csv", "k;1;1\nk;2;2\n")
	b := writeFile(t, dir, "b.csv", "k;3;3\nk;4;4\nk;5;5\n")

	n, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoFileExists(t, a)

	rest, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, "k;4;4\nk;5;5\n", string(rest))

	n, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, b)

	published := client.published()
	require.Len(t, published, 2)
	assert.Equal(t, `[{"k":[{"timestamp":4,"value":"4"},{"timestamp":5,"value":"5"}]}]`, published[1])
}

func TestScanRateLimited(t *testing.T) {
	client := &fakeClient{connected: true}
	s := newTestSpooler(t, client, Options{MaxPayload: 60})
	s.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	writeFile(t, s.opts.OutboundDir, "a.csv", "a;1;1\nb;2;2\n")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Scan(ctx)
	require.Error(t, err)
	assert.Len(t, client.published(), 1)
}

func TestRun(t *testing.T) {
	client := &fakeClient{connected: true}
	s := newTestSpooler(t, client, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	writeFile(t, s.opts.OutboundDir, "a.csv", "k;v;1\n")
	assert.Eventually(t, func() bool { return len(client.published()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestHandleIncoming(t *testing.T) {
	inbound := t.TempDir()
	s := newTestSpooler(t, &fakeClient{}, Options{InboundDir: inbound})

	// A file left from an earlier run with the same second.
	writeFile(t, inbound, "data-20260304-050607-00.csv", "old;1;1\n")

	s.HandleIncoming(mqttv3.IncomingMessage{Key: "dev1.k1", Value: "v1", Timestamp: 100})
	s.HandleIncoming(mqttv3.IncomingMessage{Key: "dev1.k2", Value: "v2", Timestamp: 100})

	data, err := os.ReadFile(filepath.Join(inbound, "data-20260304-050607-01.csv"))
	require.NoError(t, err)
	assert.Equal(t, "dev1.k1;v1;100\ndev1.k2;v2;100\n", string(data))

	s.now = func() time.Time { return fixedNow.Add(time.Second) }
	s.HandleIncoming(mqttv3.IncomingMessage{Key: "k", Value: "v", Timestamp: 1})
	assert.FileExists(t, filepath.Join(inbound, "data-20260304-050608-00.csv"))
}

func TestHandleIncomingWithoutInboundDir(t *testing.T) {
	s := newTestSpooler(t, &fakeClient{}, Options{})
	assert.NotPanics(t, func() {
		s.HandleIncoming(mqttv3.IncomingMessage{Key: "k", Value: "v"})
	})
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
