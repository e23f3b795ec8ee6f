package crm

import (
    "context"
    "sync"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/metrics"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// Sender delivers one record; *Client implements it.
type Sender interface {
    Send(ctx context.Context, record Record) error
}

// Publisher drains a bounded queue of records into the CRM. Publish
// never blocks the caller; when the queue is full the record is
// dropped and counted.
type Publisher struct {
    sender Sender
    queue  chan Record

    cancel context.CancelFunc
    wg     sync.WaitGroup
}

// NewPublisher creates a publisher with the given queue size.
func NewPublisher(sender Sender, queueSize int) *Publisher {
    if queueSize <= 0 {
        queueSize = 256
    }
    return &Publisher{
        sender: sender,
        queue:  make(chan Record, queueSize),
    }
}

// Start launches the worker.
func (p *Publisher) Start(ctx context.Context) {
    ctx, p.cancel = context.WithCancel(ctx)
    p.wg.Add(1)
    go p.worker(ctx)
}

// Publish enqueues a record for delivery.
func (p *Publisher) Publish(record Record) {
    select {
    case p.queue <- record:
        metrics.IncrementCounter("crm_records_published", map[string]string{
            "status": record.CallStatus,
            "type":   record.CallType,
        })
    default:
        metrics.IncrementCounter("crm_records_dropped", nil)
        logger.WithField("caller", record.Caller).Warn("CRM queue full, dropping record")
    }
}

// Stop cancels the worker and waits for it to finish the record in
// flight.
func (p *Publisher) Stop() {
    if p.cancel != nil {
        p.cancel()
    }
    p.wg.Wait()
}

func (p *Publisher) worker(ctx context.Context) {
    defer p.wg.Done()

    for {
        select {
        case <-ctx.Done():
            return
        case record := <-p.queue:
            start := time.Now()
            if err := p.sender.Send(ctx, record); err != nil {
                metrics.IncrementCounter("crm_publish_failed", nil)
                logger.WithError(err).
                    WithField("caller", record.Caller).
                    WithField("destination", record.Destination).
                    Error("Failed to send call record to CRM")
                continue
            }
            metrics.ObserveHistogram("crm_publish_duration", time.Since(start).Seconds(), nil)
            logger.WithField("caller", record.Caller).
                WithField("destination", record.Destination).
                WithField("status", record.CallStatus).
                Debug("Call record sent to CRM")
        }
    }
}
