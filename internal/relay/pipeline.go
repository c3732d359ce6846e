// Package relay runs an inbound message through classification, reference
// resolution, assembly and delivery.
package relay

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/webhook-relay-lite/internal/assembler"
	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/provider"
	"github.com/shineum/webhook-relay-lite/internal/resolver"
	"github.com/shineum/webhook-relay-lite/internal/safety"
)

// Stage is the position of a request in the relay state machine.
type Stage int

const (
	Ingesting Stage = iota
	Classifying
	Resolving
	Assembling
	Forwarded
	Rejected
)

func (s Stage) String() string {
	switch s {
	case Ingesting:
		return "ingesting"
	case Classifying:
		return "classifying"
	case Resolving:
		return "resolving"
	case Assembling:
		return "assembling"
	case Forwarded:
		return "forwarded"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Outcome describes how a message left the pipeline.
type Outcome struct {
	// Stage is Forwarded or Rejected on success, otherwise the stage that
	// failed.
	Stage Stage

	// Notice is set when a failure notice was relayed instead of the message.
	Notice  bool
	Reasons []string
}

// Pipeline holds the stage dependencies. They are read-only after startup
// and shared by all requests.
type Pipeline struct {
	Classifier safety.Classifier
	Assembler  assembler.Assembler
	Provider   provider.Provider

	// Limiter bounds concurrent transport calls. Nil means unbounded.
	Limiter *semaphore.Weighted
}

// New creates a Pipeline. maxInFlight bounds simultaneous transport calls;
// zero or less leaves them unbounded.
func New(cls safety.Classifier, asm assembler.Assembler, p provider.Provider, maxInFlight int) *Pipeline {
	pl := &Pipeline{
		Classifier: cls,
		Assembler:  asm,
		Provider:   p,
	}
	if maxInFlight > 0 {
		pl.Limiter = semaphore.NewWeighted(int64(maxInFlight))
	}
	return pl
}

// Process relays in. A cancelled context stops the pipeline between stages,
// so an abandoned request never reaches the transport.
func (p *Pipeline) Process(ctx context.Context, in *email.Inbound) (Outcome, error) {
	log := Logger(ctx)

	out := Outcome{Stage: Classifying}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	cls := p.Classifier.Classify(in)
	log.Debug("message classified",
		"empty_body", cls.EmptyBody,
		"encrypted", cls.Encrypted,
		"unsafe_attachment", cls.UnsafeAttachment,
		"oversized", cls.OversizedPayload,
		"total_bytes", cls.TotalBytes,
	)

	out.Stage = Resolving
	if err := ctx.Err(); err != nil {
		return out, err
	}
	var res resolver.Result
	if !cls.Rejected() {
		res = resolver.Resolve(in.Attachments, in.HTMLBody)
	}

	out.Stage = Assembling
	if err := ctx.Err(); err != nil {
		return out, err
	}
	msg, reasons := p.Assembler.Assemble(in, cls, res)

	if err := p.send(ctx, msg); err != nil {
		log.Error("relay failed",
			"provider", p.Provider.Name(),
			"notice", msg.Notice,
			"error", err,
		)
		if !msg.Notice {
			out.Notice, out.Reasons = p.noticeAfterRejection(ctx, in, err)
		}
		return out, err
	}

	out.Notice = msg.Notice
	out.Reasons = reasons
	out.Stage = Forwarded
	if msg.Notice {
		out.Stage = Rejected
	}

	log.Info("message relayed",
		"provider", p.Provider.Name(),
		"stage", out.Stage.String(),
		"attachments", len(msg.Attachments),
		"size", email.FormatSize(msg.Size()),
	)
	return out, nil
}

// noticeAfterRejection tells the operator about a message the transport
// refused permanently. The original error is still reported to the caller.
func (p *Pipeline) noticeAfterRejection(ctx context.Context, in *email.Inbound, cause error) (bool, []string) {
	var se *provider.SendError
	if !errors.As(cause, &se) || !se.Permanent {
		return false, nil
	}

	notice, reasons := p.Assembler.RejectedNotice(in, se.Message)
	if err := p.send(ctx, notice); err != nil {
		Logger(ctx).Error("failure notice not delivered",
			"provider", p.Provider.Name(),
			"error", err,
		)
		return false, nil
	}
	Logger(ctx).Warn("forwarded copy rejected, failure notice sent",
		"provider", p.Provider.Name(),
		"status", se.StatusCode,
	)
	return true, reasons
}

// send hands msg to the transport, waiting for an in-flight slot if the
// pipeline is bounded.
func (p *Pipeline) send(ctx context.Context, msg *email.OutboundMessage) error {
	if p.Limiter != nil {
		if err := p.Limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer p.Limiter.Release(1)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Provider.Send(ctx, msg)
}
