// Package spooler bridges CSV files and the device topics. Files of
// key;value;timestamp lines dropped into an outbound directory are
// published as telemetry lists; incoming command parameters are written to
// an inbound directory in the same format.
package spooler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitalvas/mqttv3"
)

// Defaults for Options.
const (
	DefaultInterval   = 30 * time.Second
	DefaultMaxEntries = 50
	DefaultMaxPayload = 2000
	DefaultRate       = rate.Limit(2)
	DefaultBurst      = 1
)

var (
	// ErrNoOutboundDir is returned when no outbound directory is configured.
	ErrNoOutboundDir = errors.New("spooler: outbound directory is required")

	// ErrClientRequired is returned when no client is given.
	ErrClientRequired = errors.New("spooler: client is required")

	// ErrPayloadTooLarge is returned when a single key's values do not fit
	// in one payload.
	ErrPayloadTooLarge = errors.New("spooler: entry exceeds payload size")
)

// Client is the part of the connection manager the spooler needs.
type Client interface {
	// PublishPayload sends a pre-serialized document to the messages topic.
	PublishPayload(payload []byte) error

	// IsConnected returns true if the session is connected.
	IsConnected() bool
}

// Entry is one parsed CSV line.
type Entry struct {
	Key       string
	Value     string
	Timestamp int64
}

// Options configures a Spooler.
type Options struct {
	// OutboundDir is scanned for *.csv files to publish. Required.
	OutboundDir string

	// InboundDir receives incoming messages as CSV. Optional.
	InboundDir string

	// Interval between scans. Defaults to 30s.
	Interval time.Duration

	// MaxEntries caps the entries taken per scan. Defaults to 50.
	MaxEntries int

	// MaxPayload caps the size of one published document. Defaults to 2000
	// bytes, which fits the default session buffer.
	MaxPayload int

	// Rate and Burst pace publishes. Defaults to 2 per second, burst 1.
	Rate  rate.Limit
	Burst int

	// Logger defaults to a no-op logger.
	Logger mqttv3.Logger
}

// Spooler publishes CSV telemetry and records incoming messages.
type Spooler struct {
	client  Client
	opts    Options
	limiter *rate.Limiter
	logger  mqttv3.Logger
	now     func() time.Time

	inboundMu   sync.Mutex
	inboundFile string
	inboundTag  string
}

// New creates a spooler. It does not start scanning until Run is called.
func New(client Client, opts *Options) (*Spooler, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if opts == nil || opts.OutboundDir == "" {
		return nil, ErrNoOutboundDir
	}

	o := *opts
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.Rate <= 0 {
		o.Rate = DefaultRate
	}
	if o.Burst <= 0 {
		o.Burst = DefaultBurst
	}
	if o.Logger == nil {
		o.Logger = mqttv3.NewNoOpLogger()
	}

	return &Spooler{
		client:  client,
		opts:    o,
		limiter: rate.NewLimiter(o.Rate, o.Burst),
		logger:  o.Logger.WithFields(mqttv3.LogFields{"component": "spooler"}),
		now:     time.Now,
	}, nil
}

// Run scans the outbound directory every interval until ctx is done.
func (s *Spooler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if n, err := s.Scan(ctx); err != nil {
			s.logger.Warn("scan failed", mqttv3.LogFields{mqttv3.LogFieldError: err.Error()})
		} else if n > 0 {
			s.logger.Info("spooled entries", mqttv3.LogFields{"count": n})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type spoolFile struct {
	path    string
	entries []Entry
	rest    []Entry
}

// Scan publishes up to MaxEntries entries from the outbound directory and
// returns how many were published. Files are removed once all their
// entries are published; nothing is read while the client is offline.
func (s *Spooler) Scan(ctx context.Context) (int, error) {
	if !s.client.IsConnected() {
		s.logger.Debug("not connected, keeping files", nil)
		return 0, nil
	}

	files, err := s.collect()
	if err != nil {
		return 0, err
	}

	var entries []Entry
	for _, f := range files {
		entries = append(entries, f.entries...)
	}
	if len(entries) == 0 {
		for _, f := range files {
			s.remove(f.path)
		}
		return 0, nil
	}

	payloads, err := BuildPayloads(entries, s.opts.MaxPayload)
	if err != nil {
		return 0, err
	}

	for _, payload := range payloads {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		if err := s.client.PublishPayload(payload); err != nil {
			return 0, fmt.Errorf("spooler: publish: %w", err)
		}
	}

	for _, f := range files {
		if len(f.rest) == 0 {
			s.remove(f.path)
			continue
		}
		if err := writeEntries(f.path, f.rest); err != nil {
			return len(entries), err
		}
	}
	return len(entries), nil
}

// collect reads *.csv files in name order until MaxEntries entries are
// taken. The entries of a file that did not fit are kept in rest.
func (s *Spooler) collect() ([]spoolFile, error) {
	paths, err := filepath.Glob(filepath.Join(s.opts.OutboundDir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var files []spoolFile
	remaining := s.opts.MaxEntries
	for _, path := range paths {
		if remaining == 0 {
			break
		}

		entries, err := s.parseFile(path)
		if err != nil {
			s.logger.Warn("read failed", mqttv3.LogFields{"file": path, mqttv3.LogFieldError: err.Error()})
			continue
		}

		take := min(len(entries), remaining)
		files = append(files, spoolFile{path: path, entries: entries[:take], rest: entries[take:]})
		remaining -= take
	}
	return files, nil
}

func (s *Spooler) parseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry, ok := ParseLine(line)
		if !ok {
			s.logger.Debug("line ignored", mqttv3.LogFields{"file": path, "line": line})
			continue
		}
		if entry.Timestamp == 0 {
			entry.Timestamp = s.now().UnixMilli()
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// writeEntries replaces the file at path with entries.
func writeEntries(path string, entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(FormatLine(e))
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Spooler) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove failed", mqttv3.LogFields{"file": path, mqttv3.LogFieldError: err.Error()})
	}
}

// ParseLine parses key;value;timestamp. A missing or unparsable timestamp
// is zero.
func ParseLine(line string) (Entry, bool) {
	parts := strings.SplitN(line, ";", 3)
	if len(parts) < 3 || parts[0] == "" {
		return Entry{}, false
	}

	ts, _ := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	return Entry{Key: parts[0], Value: parts[1], Timestamp: ts}, true
}

// FormatLine renders an entry as key;value;timestamp.
func FormatLine(e Entry) string {
	return e.Key + ";" + e.Value + ";" + strconv.FormatInt(e.Timestamp, 10)
}

// BuildPayloads groups entries by key in first-seen order and renders each
// group with SerializeList. Groups are joined into [..] documents no larger
// than maxPayload bytes.
func BuildPayloads(entries []Entry, maxPayload int) ([][]byte, error) {
	var order []string
	groups := make(map[string][]Entry)
	for _, e := range entries {
		if _, ok := groups[e.Key]; !ok {
			order = append(order, e.Key)
		}
		groups[e.Key] = append(groups[e.Key], e)
	}

	var payloads [][]byte
	var current []string
	size := 2

	flush := func() {
		if len(current) > 0 {
			payloads = append(payloads, []byte("["+strings.Join(current, ", ")+"]"))
			current = nil
			size = 2
		}
	}

	for _, key := range order {
		group := groups[key]
		values := make([]string, len(group))
		timestamps := make([]int64, len(group))
		for i, e := range group {
			values[i] = e.Value
			timestamps[i] = e.Timestamp
		}

		doc, err := mqttv3.SerializeList(key, values, timestamps)
		if err != nil {
			return nil, err
		}
		if len(doc)+2 > maxPayload {
			return nil, fmt.Errorf("%w: %s", ErrPayloadTooLarge, key)
		}

		extra := len(doc)
		if len(current) > 0 {
			extra += 2
		}
		if size+extra > maxPayload {
			flush()
			extra = len(doc)
		}
		current = append(current, doc)
		size += extra
	}
	flush()

	return payloads, nil
}

// HandleIncoming appends msg to the current inbound file. It can be
// registered with AddIncomingMessageHandler.
func (s *Spooler) HandleIncoming(msg mqttv3.IncomingMessage) {
	if s.opts.InboundDir == "" {
		return
	}
	if err := s.writeIncoming(msg); err != nil {
		s.logger.Error("inbound write failed", mqttv3.LogFields{"key": msg.Key, mqttv3.LogFieldError: err.Error()})
	}
}

func (s *Spooler) writeIncoming(msg mqttv3.IncomingMessage) error {
	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()

	tag := s.now().Format("20060102-150405")
	if tag != s.inboundTag || s.inboundFile == "" {
		path, err := s.newInboundFile(tag)
		if err != nil {
			return err
		}
		s.inboundTag = tag
		s.inboundFile = path
	}

	f, err := os.OpenFile(s.inboundFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	line := FormatLine(Entry{Key: msg.Key, Value: msg.Value, Timestamp: msg.Timestamp}) + "\n"
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// newInboundFile picks data-<tag>-NN.csv with the first free index.
func (s *Spooler) newInboundFile(tag string) (string, error) {
	for i := 0; i < 100; i++ {
		path := filepath.Join(s.opts.InboundDir, fmt.Sprintf("data-%s-%02d.csv", tag, i))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("spooler: no free inbound file name for %s", tag)
}
