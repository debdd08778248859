// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// Event is one progress notification on the transaction's event
// stream. Exactly one field group is set, keyed by Kind.
type Event struct {
	Kind EventKind
	Op   *Operation

	// Done and Total carry cumulative byte progress for
	// EventBytesProgress; Total is 0 when the remote advertised no
	// download size.
	Done  int64
	Total int64

	// Err and Skipped describe the outcome for EventOpEnded.
	Err     error
	Skipped bool
}

type EventKind int

const (
	EventOpStarted EventKind = iota
	EventBytesProgress
	EventOpEnded
)

// PromptKind classifies what the engine is asking.
type PromptKind int

const (
	// PromptChooseRemote asks which remote to install a dependency
	// from; Choices are remote names.
	PromptChooseRemote PromptKind = iota

	// PromptChooseRefs asks which of several matching refs was meant;
	// Choices are canonical ref strings.
	PromptChooseRefs

	// PromptConfirm asks a yes/no question (uninstall with dependents,
	// reinstall over local changes).
	PromptConfirm
)

// Prompt is a paused question from the engine. The consumer calls
// Reply exactly once; the engine blocks until it does.
type Prompt struct {
	Kind    PromptKind
	Message string
	Choices []string

	reply chan Response
}

// Response answers a Prompt. Index selects from Choices for the
// choose kinds; Yes answers PromptConfirm.
type Response struct {
	Index int
	Yes   bool
}

// Reply delivers the answer and unblocks the engine.
func (p *Prompt) Reply(r Response) {
	p.reply <- r
}

// emit sends an event if anyone subscribed.
func (t *Transaction) emit(ctx context.Context, event Event) {
	if t.events == nil {
		return
	}
	select {
	case t.events <- event:
	case <-ctx.Done():
	}
}

// ask pauses the current operation on a prompt. Noninteractive runs
// answer without surfacing the prompt: confirmations follow the
// assume-yes policy and choices take the first (highest-priority)
// candidate.
func (t *Transaction) ask(ctx context.Context, prompt *Prompt) (Response, error) {
	if t.opts.NonInteractive || t.prompts == nil {
		if prompt.Kind == PromptConfirm {
			return Response{Yes: t.opts.AssumeYes || t.opts.NonInteractive}, nil
		}
		return Response{Index: 0}, nil
	}
	if prompt.Kind == PromptConfirm && t.opts.AssumeYes {
		return Response{Yes: true}, nil
	}

	prompt.reply = make(chan Response, 1)
	select {
	case t.prompts <- prompt:
	case <-ctx.Done():
		return Response{}, errcode.Wrap(errcode.Cancelled, ctx.Err(), "transaction cancelled")
	}
	select {
	case response := <-prompt.reply:
		return response, nil
	case <-ctx.Done():
		return Response{}, errcode.Wrap(errcode.Cancelled, ctx.Err(), "transaction cancelled")
	}
}
