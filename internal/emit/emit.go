// Package emit delivers report snapshots to an external report sink.
package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gustycube/spyder-atlas/internal/aggregate"
	"github.com/gustycube/spyder-atlas/internal/circuitbreaker"
	"github.com/gustycube/spyder-atlas/internal/httpclient"
	"github.com/gustycube/spyder-atlas/internal/metrics"
)

type Emitter struct {
	sink       string
	spoolDir   string
	client     *http.Client
	maxElapsed time.Duration
	breaker    *circuitbreaker.Breaker
	log        *zap.SugaredLogger
	mu         sync.Mutex // serializes spool access
}

type Options struct {
	Sink       string
	SpoolDir   string
	Timeout    time.Duration
	MaxElapsed time.Duration
	// BreakerThreshold failed publishes in a row stop posts for
	// BreakerCooldown; snapshots go straight to the spool meanwhile.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Logger           *zap.SugaredLogger
}

func NewEmitter(opts Options) (*Emitter, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.SpoolDir != "" {
		if err := os.MkdirAll(opts.SpoolDir, 0o755); err != nil {
			return nil, err
		}
	}
	e := &Emitter{
		sink: opts.Sink, spoolDir: opts.SpoolDir, maxElapsed: opts.MaxElapsed, log: opts.Logger,
		client: httpclient.New(opts.Timeout),
	}
	e.breaker = circuitbreaker.New(circuitbreaker.Config{
		Threshold: opts.BreakerThreshold,
		Timeout:   opts.BreakerCooldown,
		OnStateChange: func(from, to circuitbreaker.State) {
			e.log.Infow("report sink breaker", "from", from.String(), "to", to.String())
		},
	})
	return e, nil
}

// Enabled reports whether a sink is configured.
func (e *Emitter) Enabled() bool { return e.sink != "" }

// Publish posts s to the sink, retrying with exponential backoff. When the
// sink stays unreachable the snapshot is spooled for Drain and the post
// error is returned.
func (e *Emitter) Publish(ctx context.Context, s aggregate.Snapshot) error {
	if e.sink == "" {
		return nil
	}
	err := e.breaker.Execute(func() error { return e.post(ctx, s) })
	if err == nil {
		metrics.SnapshotsTotal.WithLabelValues("sent").Inc()
		return nil
	}
	if isOpen(err) {
		e.log.Debugw("report sink breaker open, spooling", "snapshot", s.ID)
	} else {
		e.log.Warnw("report sink failed, spooling", "snapshot", s.ID, "err", err)
	}
	if serr := e.spool(s); serr != nil {
		e.log.Errorw("spool failed", "snapshot", s.ID, "err", serr)
		metrics.SnapshotsTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("post: %v; spool: %w", err, serr)
	}
	metrics.SnapshotsTotal.WithLabelValues("spooled").Inc()
	return err
}

// Check fails while the sink breaker is open.
func (e *Emitter) Check(context.Context) error {
	if st := e.breaker.State(); st == circuitbreaker.StateOpen {
		return fmt.Errorf("report sink unreachable: breaker %s", st)
	}
	return nil
}

func isOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests)
}

func (e *Emitter) post(ctx context.Context, s aggregate.Snapshot) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(s); err != nil {
		return backoff.Permanent(err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sink, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(fmt.Errorf("sink rejected snapshot: %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (e *Emitter) spool(s aggregate.Snapshot) error {
	if e.spoolDir == "" {
		return fmt.Errorf("no spool directory")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	name := time.Now().UTC().Format("20060102T150405.000000000") + "-" + s.ID + ".json"
	f, err := os.Create(filepath.Join(e.spoolDir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(s)
}

// Drain re-sends spooled snapshots, removing each one the sink accepts, and
// returns how many were delivered.
func (e *Emitter) Drain(ctx context.Context) (int, error) {
	if e.sink == "" || e.spoolDir == "" {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entries, err := os.ReadDir(e.spoolDir)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		p := filepath.Join(e.spoolDir, ent.Name())
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var s aggregate.Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			e.log.Warnw("discarding unreadable spool file", "file", ent.Name(), "err", err)
			_ = os.Remove(p)
			continue
		}
		if err := e.breaker.Execute(func() error { return e.post(ctx, s) }); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			if isOpen(err) {
				return sent, nil
			}
			e.log.Debugw("spooled snapshot still undeliverable", "snapshot", s.ID, "err", err)
			continue
		}
		_ = os.Remove(p)
		sent++
		metrics.SnapshotsTotal.WithLabelValues("sent").Inc()
	}
	return sent, nil
}
