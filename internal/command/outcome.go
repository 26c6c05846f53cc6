package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"anidbsync/internal/anidb"
	logx "anidbsync/pkg/logx"
)

// OutcomeKind tells the queue what to do with a record after execution.
type OutcomeKind int

const (
	// OutcomeSuccess retires the record.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient reschedules the record with backoff and counts an attempt.
	OutcomeTransient
	// OutcomeDeferred puts the record back untouched and pauses its class until Hint.
	OutcomeDeferred
	// OutcomeFatal drops the record.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

type Outcome struct {
	Kind OutcomeKind
	Err  error
	// Hint is the delay the failure asked for, if any.
	Hint time.Duration
}

// Run executes t at the task boundary: panics are recovered, failures are
// logged with the task's context and turned into an Outcome. Run never
// returns an error to the worker loop.
func Run(ctx context.Context, t Task, log logx.Logger) (out Outcome) {
	log = log.With(logx.String("command", t.ID()), logx.String("type", string(t.Type())))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Error("command panicked", logx.String("task", t.Describe().String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = Outcome{Kind: OutcomeTransient, Err: err}
		}
	}()

	err := t.Execute(ctx)
	out = Classify(err)
	if err == nil {
		log.Debug("command done", logx.Duration("took", time.Since(start)))
		return out
	}
	log.Warn("command failed",
		logx.String("task", t.Describe().String()),
		logx.String("outcome", out.Kind.String()),
		logx.Duration("hint", out.Hint),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	return out
}

// Classify maps an execution error to an outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	if IsFatal(err) {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}

	var (
		throttled *anidb.ThrottledError
		proto     *anidb.ProtocolError
		transport *anidb.TransportError
		hinted    RetryAfterError
	)
	switch {
	case errors.As(err, &throttled):
		return Outcome{Kind: OutcomeDeferred, Err: err, Hint: throttled.RetryAfter()}
	case errors.As(err, &proto):
		switch proto.Kind {
		case anidb.KindBanned:
			return Outcome{Kind: OutcomeDeferred, Err: err, Hint: proto.RetryAfter()}
		case anidb.KindAuth:
			// A rejected login pauses the connection; the work itself is fine.
			if !proto.Until.IsZero() {
				return Outcome{Kind: OutcomeDeferred, Err: err, Hint: proto.RetryAfter()}
			}
			return Outcome{Kind: OutcomeFatal, Err: err}
		case anidb.KindSession:
			return Outcome{Kind: OutcomeTransient, Err: err}
		default:
			// Malformed, rejected, unknown subject or bad credentials:
			// sending the same request again cannot help.
			return Outcome{Kind: OutcomeFatal, Err: err}
		}
	case errors.As(err, &transport):
		return Outcome{Kind: OutcomeTransient, Err: err}
	case errors.As(err, &hinted):
		return Outcome{Kind: OutcomeTransient, Err: err, Hint: hinted.RetryAfter()}
	case errors.Is(err, context.Canceled):
		// Shutdown interrupted the task; it runs again on the next start.
		return Outcome{Kind: OutcomeDeferred, Err: err}
	}
	return Outcome{Kind: OutcomeTransient, Err: err}
}
