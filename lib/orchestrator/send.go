// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/envelope"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

var (
	// ErrAckTimeout means an agent did not answer within the ack
	// timeout.
	ErrAckTimeout = errors.New("orchestrator: ack timeout")

	// ErrAckFailed means an agent answered with a failure result.
	ErrAckFailed = errors.New("orchestrator: agent reported failure")

	// ErrInvalidAck means an ack envelope failed authentication or
	// replay admission, or did not answer the request it came back
	// for.
	ErrInvalidAck = errors.New("orchestrator: invalid ack")
)

// send seals message to peer, delivers it, and authenticates the ack.
// Key material in message is copied into the sealed payload and the
// plaintext encoding is zeroed.
func (o *Orchestrator) send(ctx context.Context, peer *Peer, message schema.ControlMessage) (*schema.Ack, error) {
	plaintext, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encoding %s for %s: %w", message.Op, peer.ID, err)
	}
	header := envelope.Header{
		Sender:    o.identity.ID(),
		Recipient: peer.ID,
		Sequence:  peer.sequencer.Next(peer.ID),
	}
	sealed, err := o.codec.Seal(header, plaintext, o.identity, peer.Public)
	secret.Zero(plaintext)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: sealing %s for %s: %w", message.Op, peer.ID, err)
	}
	data, err := envelope.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encoding envelope for %s: %w", peer.ID, err)
	}

	o.metrics.envelopesSent.Add(1)
	reply, err := o.transport.Deliver(ctx, peer, data)
	if err != nil {
		return nil, err
	}
	ack, err := o.openAck(peer, reply)
	if err != nil {
		o.metrics.acksRejected.Add(1)
		o.logger.Warn("ack rejected",
			"peer", peer.ID,
			"op", string(message.Op),
			"cycle_id", message.CycleID,
			"error", err,
		)
		return nil, err
	}
	if ack.Op != message.Op || ack.CycleID != message.CycleID || ack.Tunnel != message.Tunnel {
		o.metrics.acksRejected.Add(1)
		return nil, fmt.Errorf("%w: node %s answered %s/%s for %s/%s",
			ErrInvalidAck, peer.ID, ack.Op, ack.CycleID, message.Op, message.CycleID)
	}
	return ack, nil
}

// openAck authenticates and decodes a wire ack envelope from peer.
func (o *Orchestrator) openAck(peer *Peer, data []byte) (*schema.Ack, error) {
	sealed, plaintext, err := o.codec.OpenBytes(data, peer.Public, o.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrInvalidAck, peer.ID, err)
	}
	if err := peer.guard.Admit(sealed.Sender, sealed.Recipient, sealed.Sequence); err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrInvalidAck, peer.ID, err)
	}
	var ack schema.Ack
	if err := codec.Unmarshal(plaintext, &ack); err != nil {
		return nil, fmt.Errorf("%w: node %s: decoding ack: %v", ErrInvalidAck, peer.ID, err)
	}
	return &ack, nil
}

// exchange is one request and its outcome in a parallel dispatch.
type exchange struct {
	peer    *Peer
	message schema.ControlMessage
	ack     *schema.Ack
	err     error
}

// dispatch sends every exchange in parallel and waits up to the ack
// timeout. want is the success result; any other result, error or
// timeout cancels the remaining calls and dispatch returns the first
// failure. Each exchange records its own ack or error; a call cut
// short by the cancellation records neither.
func (o *Orchestrator) dispatch(ctx context.Context, want schema.AckResult, exchanges []*exchange) error {
	ctx, cancel := o.withAckTimeout(ctx)
	defer cancel()

	var mutex sync.Mutex
	group, groupContext := errgroup.WithContext(ctx)
	for _, item := range exchanges {
		group.Go(func() error {
			ack, err := o.send(groupContext, item.peer, item.message)
			if err != nil {
				if errors.Is(context.Cause(ctx), ErrAckTimeout) {
					err = fmt.Errorf("%w: node %s: %s", ErrAckTimeout, item.peer.ID, item.message.Op)
				} else if groupContext.Err() != nil && ctx.Err() == nil {
					// Cancelled because another exchange failed.
					return err
				}
				mutex.Lock()
				item.err = err
				mutex.Unlock()
				return err
			}
			mutex.Lock()
			item.ack = ack
			mutex.Unlock()
			if ack.Result != want {
				return ackError(item.peer, ack, want)
			}
			return nil
		})
	}
	return group.Wait()
}

// withAckTimeout bounds ctx by the ack timeout on the orchestrator's
// clock. The context's cause is ErrAckTimeout once the timer fires.
func (o *Orchestrator) withAckTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := o.clock.AfterFunc(o.ackTimeout, func() { cancel(ErrAckTimeout) })
	return ctx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// ackError converts an ack other than want to an error. Epoch
// mismatches wrap nodeagent.ErrEpochMismatch through the ack's wire
// code.
func ackError(peer *Peer, ack *schema.Ack, want schema.AckResult) error {
	if ack.Result == schema.AckEpochMismatch {
		return &EpochMismatchError{Node: peer.ID, Epoch: ack.Epoch, AppliedEpoch: ack.AppliedEpoch}
	}
	if ack.OK() {
		// A success verdict for some other operation.
		return fmt.Errorf("%w: node %s: %s answered %s, want %s", ErrAckFailed, peer.ID, ack.Op, ack.Result, want)
	}
	if ack.Error != "" {
		return fmt.Errorf("%w: node %s: %s %s: %s", ErrAckFailed, peer.ID, ack.Op, ack.Result, ack.Error)
	}
	return fmt.Errorf("%w: node %s: %s %s", ErrAckFailed, peer.ID, ack.Op, ack.Result)
}
