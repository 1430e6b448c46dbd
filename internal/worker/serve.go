package worker

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/queue"
)

// ServeConfig bundles the construction parameters for Serve. It is the
// subprocess-entrypoint-facing counterpart of Config: Serve owns the
// queues and the stdin/stdout pump goroutines so that cmd/worker's
// main function, and tests standing in for a real subprocess over an
// io.Pipe, share one code path.
type ServeConfig struct {
	SelfSource    string
	Loader        Loader
	EnvPreparer   EnvPreparer
	Bus           eventbus.Bus
	PollTimeout   time.Duration
	InboxCapacity int
	Log           *logger.Logger
}

// Serve reads newline-delimited work items from stdin, dispatches them
// to a Worker, and writes newline-delimited event messages to stdout
// until the Worker reaches a terminal state, stdin is closed, or ctx
// is cancelled. It is the whole of a Worker subprocess's job.
func Serve(ctx context.Context, stdin io.Reader, stdout io.Writer, cfg ServeConfig) error {
	if cfg.Bus == nil {
		cfg.Bus = eventbus.NewMemoryEventBus(cfg.Log)
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	log := cfg.Log.WithFields(zap.String("component", "worker-serve"), zap.String("source", cfg.SelfSource))

	inbox := queue.New[eventbus.WorkItem](cfg.InboxCapacity)
	outbox := queue.New[eventbus.EventMessage](0)

	w := New(Config{
		SelfSource:  cfg.SelfSource,
		Inbox:       inbox,
		Outbox:      outbox,
		Bus:         cfg.Bus,
		Loader:      cfg.Loader,
		EnvPreparer: cfg.EnvPreparer,
		PollTimeout: cfg.PollTimeout,
		Log:         cfg.Log,
	})

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()
	go pumpStdinToInbox(readerCtx, stdin, inbox, log)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		pumpOutboxToStdout(ctx, outbox, stdout, log)
	}()

	err := w.Run(ctx)

	cancelReader()
	inbox.Close()
	outbox.Close()
	<-writerDone

	return err
}

func pumpStdinToInbox(ctx context.Context, stdin io.Reader, inbox *queue.Queue[eventbus.WorkItem], log *logger.Logger) {
	lr := eventbus.NewLineReader(stdin)
	for {
		var item eventbus.WorkItem
		err := lr.Next(&item)
		if err == io.EOF {
			_ = inbox.TryPut(eventbus.WorkItem{Kind: eventbus.WorkItemEnd})
			return
		}
		if err != nil {
			log.Error("failed to decode work item", zap.Error(err))
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := inbox.TryPut(item); err != nil {
			log.Warn("inbox rejected work item", zap.Error(err))
		}
	}
}

func pumpOutboxToStdout(ctx context.Context, outbox *queue.Queue[eventbus.EventMessage], stdout io.Writer, log *logger.Logger) {
	lw := eventbus.NewLineWriter(stdout)
	for {
		msg, ok := outbox.TryGet(20 * time.Millisecond)
		if ok {
			if err := lw.Write(msg); err != nil {
				log.Error("failed to write event message", zap.Error(err))
			}
			continue
		}
		select {
		case <-ctx.Done():
			for _, msg := range outbox.Drain() {
				_ = lw.Write(msg)
			}
			return
		default:
		}
		if outbox.Closed() && outbox.Len() == 0 {
			return
		}
	}
}
