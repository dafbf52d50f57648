package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"sbd_decoder/internal/sbd"
	"sbd_decoder/internal/storage"
)

// frameBuffer bounds how many undecoded frames may queue between the NATS
// callback and the workers.
const frameBuffer = 256

type frameMsg struct {
	deviceID   string
	data       []byte
	receivedAt time.Time
}

// frameSink receives flushed frame batches. The ClickHouse store is the
// production implementation.
type frameSink interface {
	InsertBatch(ctx context.Context, frames []storage.CHFrameParams) error
}

// Daemon consumes raw frames from NATS and writes decode results to the
// ClickHouse and PostgreSQL stores.
type Daemon struct {
	cfg   Settings
	codec sbd.CodecConfig

	db   *storage.DB
	sink frameSink

	frames chan frameMsg
	wg     sync.WaitGroup

	// Send gate for shutdown. dying releases deliveries parked on a full
	// buffer; draining, set under sendMu, turns late deliveries into
	// no-ops before the frame channel closes.
	sendMu   sync.RWMutex
	draining bool
	dying    chan struct{}

	flushEvery time.Duration
	flushStop  chan struct{}
	flushWG    sync.WaitGroup

	mu    sync.Mutex
	batch []storage.CHFrameParams
}

// NewDaemon builds a daemon from settings. The codec is resolved once here
// and shared by all workers.
func NewDaemon(cfg Settings) (*Daemon, error) {
	codec, err := cfg.CodecConfig()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:        cfg,
		codec:      codec,
		frames:     make(chan frameMsg, frameBuffer),
		dying:      make(chan struct{}),
		flushEvery: time.Duration(cfg.FlushSeconds) * time.Second,
		flushStop:  make(chan struct{}),
	}, nil
}

// Run connects to the stores and NATS, then processes frames until ctx is
// cancelled. Shutdown drains the subscription, lets the workers finish the
// queued frames and flushes the remaining batch.
func (d *Daemon) Run(ctx context.Context) error {
	db, err := storage.Open(ctx, d.cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	d.db = db
	d.sink = db.CH
	defer func() { _ = db.Close() }()

	if err := db.CreateSchemas(ctx); err != nil {
		return fmt.Errorf("create schemas: %w", err)
	}
	if db.PG == nil {
		log.Info("no postgres configured, running firehose-only")
	}

	closed := make(chan struct{})
	nc, err := nats.Connect(d.cfg.NATS.URL,
		nats.Name("sbd-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.WithError(err).Error("nats async error")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	sub, err := nc.QueueSubscribe(d.cfg.NATS.Subject, d.cfg.NATS.Queue, func(m *nats.Msg) {
		d.deliver(m.Subject, m.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", d.cfg.NATS.Subject, err)
	}

	d.startPipeline()

	log.WithFields(log.Fields{
		"subject": d.cfg.NATS.Subject,
		"queue":   d.cfg.NATS.Queue,
		"workers": d.cfg.Workers,
		"mode":    d.codec.Mode,
	}).Info("ingest daemon started")

	<-ctx.Done()
	log.Info("shutting down ingest daemon")

	_ = sub.Drain()
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		log.Warn("nats drain timed out")
		nc.Close()
	}

	d.stopPipeline()

	log.Info("ingest daemon stopped")
	return nil
}

// deliver hands one raw frame to the worker pool. It blocks when the buffer
// is full so backpressure lands on the consumer instead of dropping frames;
// once shutdown begins the frame is dropped instead.
func (d *Daemon) deliver(subject string, data []byte) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.draining {
		return
	}
	select {
	case d.frames <- frameMsg{
		deviceID:   deviceFromSubject(subject),
		data:       data,
		receivedAt: time.Now().UTC(),
	}:
	case <-d.dying:
	}
}

// startPipeline launches the decode workers and the periodic flusher.
func (d *Daemon) startPipeline() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.flushWG.Add(1)
	go func() {
		defer d.flushWG.Done()
		ticker := time.NewTicker(d.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.flush()
			case <-d.flushStop:
				return
			}
		}
	}()
}

// stopPipeline stops intake, waits for the workers to drain the queued
// frames and runs the final flush. Closing dying wakes deliveries parked on
// a full buffer; the write lock then waits out deliveries already past the
// gate, so closing the frame channel cannot race a send. NATS may still
// invoke the callback after a timed-out drain, which is why the gate stays
// up rather than relying on the connection being closed.
func (d *Daemon) stopPipeline() {
	close(d.dying)
	d.sendMu.Lock()
	d.draining = true
	d.sendMu.Unlock()

	close(d.frames)
	d.wg.Wait()
	close(d.flushStop)
	d.flushWG.Wait()
	d.flush()
}

func (d *Daemon) worker() {
	defer d.wg.Done()
	for m := range d.frames {
		d.process(m)
	}
}

func (d *Daemon) process(m frameMsg) {
	res, err := sbd.Decode(m.data, d.codec)
	if err != nil {
		log.WithFields(log.Fields{
			"device": m.deviceID,
			"len":    len(m.data),
		}).WithError(err).Warn("frame rejected")
		return
	}

	log.WithFields(log.Fields{
		"device":   m.deviceID,
		"len":      res.RawLen,
		"msg_type": res.Header.MsgType,
		"history":  len(res.History),
		"notes":    len(res.Notes),
	}).Info("frame decoded")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.db.PG != nil {
		if err := d.db.PG.UpsertDevice(ctx, m.deviceID, m.receivedAt, res); err != nil {
			log.WithField("device", m.deviceID).WithError(err).Error("upsert device state")
		}
		if err := d.db.PG.InsertPositions(ctx, m.deviceID, m.receivedAt, res); err != nil {
			log.WithField("device", m.deviceID).WithError(err).Error("insert positions")
		}
	}

	d.enqueue(storage.CHFrameParams{
		DeviceID:   m.deviceID,
		ReceivedAt: m.receivedAt,
		Raw:        m.data,
		Result:     res,
	})
}

func (d *Daemon) enqueue(p storage.CHFrameParams) {
	d.mu.Lock()
	d.batch = append(d.batch, p)
	full := len(d.batch) >= d.cfg.BatchSize
	d.mu.Unlock()

	if full {
		d.flush()
	}
}

func (d *Daemon) flush() {
	d.mu.Lock()
	batch := d.batch
	d.batch = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.sink.InsertBatch(ctx, batch); err != nil {
		log.WithField("frames", len(batch)).WithError(err).Error("flush frame batch")
		return
	}
	log.WithField("frames", len(batch)).Debug("batch flushed")
}

// deviceFromSubject extracts the device id from the message subject, the
// token after the last dot ("sbd.frames.300234063904190").
func deviceFromSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 && i+1 < len(subject) {
		return subject[i+1:]
	}
	return "unknown"
}
