// NATS stages: the same remote-worker handoff shape as the Redis
// stages, carried over a NATS subject instead of a Redis list. Sink
// publishes each task for an external worker; Source consumes them on
// the receiving side via a queue subscription, so multiple source
// stages share one subject without double-delivery. Trace context
// travels in the message headers.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var natsPropagator = propagation.TraceContext{}

// NewNatsSink builds a stage that serializes each task as a
// wireEnvelope and publishes it to subject, returning the minted task
// id. The current trace context is injected into the message headers so
// the remote worker can continue the span.
func NewNatsSink(nc *nats.Conn, subject string, opts ...Option) *Stage {
	fn := func(ctx context.Context, args ...any) (any, error) {
		var task any = args
		if len(args) == 1 {
			task = args[0]
		}
		taskID := ContentHash(task)
		payload := wireEnvelope{ID: taskID, Task: task, EmitTS: float64(time.Now().UnixNano()) / 1e9}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, NewUserFunctionError(err)
		}

		hdr := nats.Header{}
		natsPropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
		msg := &nats.Msg{Subject: subject, Data: b, Header: hdr}
		if err := nc.PublishMsg(msg); err != nil {
			return nil, NewRemoteWorkerError(fmt.Sprintf("publish %s failed: %v", subject, err))
		}
		return taskID, nil
	}

	allOpts := append([]Option{WithWorkerLimit(DefaultSinkWorkers), WithExecutionMode(ExecThread)}, opts...)
	s := NewStage("nats_sink", fn, allOpts...)
	s.className = "TaskNatsSink"
	return s
}

// NewNatsSource builds a stage that consumes one message from subject
// per invocation, with the given timeout (0 = wait forever). Each
// message's trace context is extracted from its headers and a consumer
// span covers the decode.
func NewNatsSource(nc *nats.Conn, subject string, timeout time.Duration, opts ...Option) *Stage {
	sub, subErr := nc.QueueSubscribeSync(subject, subject+"-workers")

	fn := func(ctx context.Context, _ ...any) (any, error) {
		if subErr != nil {
			return nil, NewRemoteWorkerError(fmt.Sprintf("subscribe %s: %v", subject, subErr))
		}

		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		msg, err := sub.NextMsgWithContext(callCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				return nil, NewTimeoutError(fmt.Sprintf("nats source %s timed out after %s", subject, timeout))
			}
			return nil, NewRemoteWorkerError(err.Error())
		}

		msgCtx := natsPropagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
		_, span := otel.Tracer("celestialflow-nats").Start(msgCtx, "nats.consume",
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var payload wireEnvelope
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, NewUserFunctionError(fmt.Errorf("decode nats payload: %w", err))
		}
		return payload.Task, nil
	}

	s := NewStage("nats_source", fn, opts...)
	s.className = "TaskNatsSource"
	return s
}
