// Package midipe provides the main API for MIDI-CI Property Exchange
// clients: transactional GET/SET of device properties over a SysEx
// transport, with request-ID management, multi-chunk reassembly,
// timeouts, and cancellation handled behind an async facade.
package midipe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-midipe/internal/constants"
	"github.com/ehrlich-b/go-midipe/internal/interfaces"
	"github.com/ehrlich-b/go-midipe/internal/logging"
	"github.com/ehrlich-b/go-midipe/internal/sysex"
	"github.com/ehrlich-b/go-midipe/internal/transaction"
)

// MUID is a MIDI Unique Identifier: the 28-bit address of a device on a
// MIDI-CI transport.
type MUID = interfaces.MUID

// Transport moves complete SysEx frames to and from a MIDI connection.
type Transport = interfaces.Transport

// Logger interface for optional logging.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Options contains additional options for client creation
type Options struct {
	// SourceMUID is this client's MUID on the transport. Replies are
	// filtered to it; zero accepts everything (useful for tests and
	// virtual ports).
	SourceMUID MUID

	// DefaultTimeout applies to requests without a per-call timeout
	// (default: 5s)
	DefaultTimeout time.Duration

	// WarningThreshold and NearExhaustionThreshold tune the manager's
	// leak-risk diagnostics (defaults: 100 active, 10 free)
	WarningThreshold        int
	NearExhaustionThreshold int

	// SweepInterval is the timeout sweep cadence (default: 1s)
	SweepInterval time.Duration

	// Logger for debug/info messages (if nil, the default logger is used
	// with a per-client session field)
	Logger Logger

	// Observer for metrics collection (if nil, records to the client's
	// built-in Metrics)
	Observer Observer
}

// Client binds a Transport to a transaction manager and drives both: it
// decodes inbound frames into chunks, feeds them to the manager, sweeps
// timeouts, and exposes blocking property operations.
type Client struct {
	transport Transport
	mgr       *transaction.Manager
	muid      MUID

	// Session is a per-client correlation ID carried in log context.
	Session string

	log     Logger
	metrics *Metrics

	done      chan struct{}
	closeOnce func()
}

// NewClient creates a client on the given transport and starts its
// receive and timeout-sweep loops. The client owns the transport: Close
// closes it.
func NewClient(transport Transport, options *Options) (*Client, error) {
	if transport == nil {
		return nil, NewError("NEW_CLIENT", ErrCodeInvalidParams, "nil transport")
	}
	if options == nil {
		options = &Options{}
	}
	if uint32(options.SourceMUID) > constants.MUIDMask {
		return nil, NewError("NEW_CLIENT", ErrCodeInvalidParams, "source MUID exceeds 28 bits")
	}

	session := uuid.NewString()

	var log Logger
	if options.Logger != nil {
		log = options.Logger
	} else {
		log = logging.Default().With("session", session)
	}

	metrics := NewMetrics()
	var observer Observer
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	mgr := transaction.New(transaction.Config{
		DefaultTimeout:          options.DefaultTimeout,
		WarningThreshold:        options.WarningThreshold,
		NearExhaustionThreshold: options.NearExhaustionThreshold,
		Logger:                  log,
		Observer:                observer,
	})

	sweep := options.SweepInterval
	if sweep <= 0 {
		sweep = constants.TimeoutSweepInterval
	}

	c := &Client{
		transport: transport,
		mgr:       mgr,
		muid:      options.SourceMUID,
		Session:   session,
		log:       log,
		metrics:   metrics,
	}
	c.done = make(chan struct{})

	var stopped sync.WaitGroup
	stopped.Add(2)
	go func() {
		defer stopped.Done()
		c.receiveLoop()
	}()
	go func() {
		defer stopped.Done()
		c.sweepLoop(sweep)
	}()

	var once sync.Once
	c.closeOnce = func() {
		once.Do(func() {
			close(c.done)
			_ = transport.Close()
			stopped.Wait()
			// Resume any parked waiters before declaring the client dead.
			mgr.CancelAll()
			metrics.Stop()
			log.Infof("client closed")
		})
	}

	log.Infof("client ready muid=%07X", uint32(options.SourceMUID))
	return c, nil
}

// GetProperty retrieves a resource from the device at destination and
// returns the reply header and decoded body. A timeout <= 0 selects the
// client default.
func (c *Client) GetProperty(ctx context.Context, destination MUID, resource string, timeout time.Duration) ([]byte, []byte, error) {
	header, err := sysex.RequestHeader{Resource: resource}.Marshal()
	if err != nil {
		return nil, nil, NewError("GET_PROPERTY", ErrCodeInvalidParams, err.Error())
	}
	return c.request(ctx, "GET_PROPERTY", sysex.SubIDGetInquiry, destination, resource, header, nil, timeout)
}

// SetProperty writes a resource on the device at destination. The body is
// chunked across as many messages as it needs; it must be 7-bit clean
// (Mcoded7-encode 8-bit payloads first). Returns the reply header and
// body.
func (c *Client) SetProperty(ctx context.Context, destination MUID, resource string, body []byte, timeout time.Duration) ([]byte, []byte, error) {
	header, err := sysex.RequestHeader{Resource: resource}.Marshal()
	if err != nil {
		return nil, nil, NewError("SET_PROPERTY", ErrCodeInvalidParams, err.Error())
	}
	return c.request(ctx, "SET_PROPERTY", sysex.SubIDSetInquiry, destination, resource, header, body, timeout)
}

// request runs one transaction end to end: begin, emit the outbound
// chunk stream, await the outcome.
func (c *Client) request(ctx context.Context, op string, subID2 byte, destination MUID, resource string, header, body []byte, timeout time.Duration) ([]byte, []byte, error) {
	id, err := c.mgr.Begin(resource, destination, timeout)
	if err != nil {
		if errors.Is(err, transaction.ErrRequestIDsExhausted) {
			return nil, nil, &Error{
				Op:        op,
				RequestID: -1,
				MUID:      destination,
				Code:      ErrCodeExhausted,
				Msg:       err.Error(),
				Inner:     err,
			}
		}
		return nil, nil, WrapError(op, err)
	}

	chunks := sysex.SplitBody(body, constants.MaxPropertyDataPerMessage)
	for i, chunk := range chunks {
		msg := &sysex.Message{
			SubID2:      subID2,
			Version:     sysex.CIVersion,
			Source:      c.muid,
			Destination: destination,
			RequestID:   id,
			NumChunks:   len(chunks),
			ThisChunk:   i + 1,
			Data:        chunk,
		}
		// The request header rides in chunk 1 only.
		if i == 0 {
			msg.Header = header
		}
		frame, err := sysex.Encode(msg)
		if err != nil {
			c.mgr.Cancel(id)
			return nil, nil, NewRequestError(op, id, destination, ErrCodeMalformedMessage, err.Error())
		}
		if err := c.transport.Send(frame); err != nil {
			c.mgr.Cancel(id)
			return nil, nil, &Error{
				Op:        op,
				RequestID: int(id),
				MUID:      destination,
				Code:      ErrCodeTransportClosed,
				Msg:       err.Error(),
				Inner:     err,
			}
		}
	}

	res, err := c.mgr.WaitForCompletion(ctx, id)
	if err != nil {
		// The wait was abandoned, not the transaction; couple the two
		// lifecycles here so the request ID is not leaked.
		c.mgr.Cancel(id)
		return nil, nil, err
	}

	switch res.Kind {
	case transaction.ResultSuccess:
		return c.decodeReply(op, id, destination, res)
	case transaction.ResultError:
		return nil, nil, NewStatusError(op, id, destination, res.Status, res.Message)
	case transaction.ResultTimeout:
		return nil, nil, NewRequestError(op, id, destination, ErrCodeTimeout, "device did not reply in time")
	default:
		return nil, nil, NewRequestError(op, id, destination, ErrCodeCancelled, "request cancelled")
	}
}

// decodeReply applies the reply-header contract: non-2xx statuses become
// errors, negotiated Mcoded7 bodies are decoded, everything else passes
// through untouched.
func (c *Client) decodeReply(op string, id uint8, destination MUID, res transaction.Result) ([]byte, []byte, error) {
	info, err := sysex.ParseHeader(res.Header)
	if err != nil {
		// Deliver the raw reply; interpretation is ultimately the
		// caller's business.
		c.log.Warnf("request %d: unparseable reply header: %v", id, err)
		return res.Header, res.Body, nil
	}
	if info.Status != 0 && !info.OK() {
		return nil, nil, NewStatusError(op, id, destination, info.Status, info.Message)
	}

	body := res.Body
	if info.MutualEncoding == sysex.EncodingMcoded7 {
		decoded, err := sysex.DecodeMcoded7(body)
		if err != nil {
			return nil, nil, NewRequestError(op, id, destination, ErrCodeMalformedMessage, err.Error())
		}
		body = decoded
	}
	return res.Header, body, nil
}

// CancelDevice cancels every outstanding request addressed to
// destination. The disconnect path: call it when a device disappears
// from the transport.
func (c *Client) CancelDevice(destination MUID) {
	c.mgr.CancelAllFor(destination)
}

// ActiveCount returns the number of in-flight transactions.
func (c *Client) ActiveCount() int {
	return c.mgr.ActiveCount()
}

// Diagnostics returns a human-readable snapshot of transaction state.
func (c *Client) Diagnostics() string {
	return c.mgr.Diagnostics()
}

// Metrics returns the client's built-in metrics. When a custom Observer
// was supplied, these stay at zero.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of client metrics
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Close stops the loops, closes the transport, and cancels every
// outstanding transaction so no waiter is left parked.
func (c *Client) Close() error {
	c.closeOnce()
	return nil
}

// receiveLoop drains the transport and dispatches frames until the
// transport closes.
func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.transport.Frames():
			if !ok {
				return
			}
			c.dispatch(frame)
		}
	}
}

// sweepLoop drives the manager's timeout sweep. The core never schedules
// its own timers; this is the external ticker it expects.
func (c *Client) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mgr.CheckTimeouts()
		}
	}
}

// dispatch routes one inbound frame: NAKs finalize their transaction
// with a protocol error, PE reply chunks feed the assembler, everything
// else is logged and dropped.
func (c *Client) dispatch(frame []byte) {
	if sysex.IsNAK(frame) {
		nak, err := sysex.DecodeNAK(frame)
		if err != nil {
			c.log.Warnf("dropping malformed NAK: %v", err)
			return
		}
		id, ok := nak.PERequestID()
		if !ok {
			c.log.Debugf("NAK for non-PE message (original sub-ID %02X) ignored", nak.OriginalSubID2)
			return
		}
		c.mgr.CompleteWithError(id, int(nak.StatusCode), string(nak.Message))
		return
	}

	msg, err := sysex.Decode(frame)
	if err != nil {
		c.log.Debugf("dropping non-PE frame (%d bytes): %v", len(frame), err)
		return
	}
	if !sysex.IsPEReply(msg.SubID2) {
		c.log.Debugf("ignoring PE inquiry sub-ID %02X; this endpoint is a client", msg.SubID2)
		return
	}
	if c.muid != 0 && msg.Destination != c.muid && uint32(msg.Destination) != constants.BroadcastMUID {
		c.log.Debugf("reply addressed to %07X, not us; dropped", uint32(msg.Destination))
		return
	}

	c.mgr.ProcessChunk(msg.RequestID, msg.ThisChunk, msg.NumChunks, msg.Header, msg.Data)
}
