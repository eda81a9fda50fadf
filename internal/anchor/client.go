// Package anchor submits route fingerprints to the ledger and keeps local
// bookkeeping in step with what the ledger has confirmed.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultRecoverTimeout = 10 * time.Second
)

// Client wraps an AnchorLedger with create-once/update-thereafter rules and
// idempotent retries. Every write is preceded by a read, and a write whose
// outcome is unknown is followed by a recovery read, so a retry after a lost
// response resolves as "already applied" instead of writing twice.
type Client struct {
	ledger         ports.AnchorLedger
	callTimeout    time.Duration
	recoverTimeout time.Duration
}

func NewClient(ledger ports.AnchorLedger, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Client{
		ledger:         ledger,
		callTimeout:    callTimeout,
		recoverTimeout: DefaultRecoverTimeout,
	}
}

// Ledger returns the underlying ledger for read-only callers such as verification.
func (c *Client) Ledger() ports.AnchorLedger { return c.ledger }

// AnchorCreate anchors the first fingerprint of a route.
// It fails with domain.ErrAlreadyAnchored if a different fingerprint is
// already recorded for the route.
func (c *Client) AnchorCreate(ctx context.Context, actor string, req ports.AnchorCreateRequest) (_ domain.AnchorReceipt, err error) {
	defer obs.Time(ctx, "anchor.Create")(&err)

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return domain.AnchorReceipt{}, fmt.Errorf("anchor create: %w", domain.ErrInvalidAnchor)
	}

	rec, found, err := c.read(ctx, req.RouteID)
	if err != nil {
		return domain.AnchorReceipt{}, fmt.Errorf("anchor create %q: read: %w", req.RouteID, err)
	}
	if found {
		return c.resolveExisting(req.RouteID, req.Fingerprint, rec)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	tx, err := c.ledger.Create(callCtx, actor, req)
	cancel()

	switch {
	case err == nil:
		return receiptFromTx(req.RouteID, req.Fingerprint, tx), nil

	case errors.Is(err, domain.ErrAlreadyAnchored):
		// Lost a race with another writer, or an earlier attempt landed.
		rec, found, rerr := c.recoverRead(ctx, req.RouteID)
		if rerr == nil && found {
			return c.resolveExisting(req.RouteID, req.Fingerprint, rec)
		}
		return domain.AnchorReceipt{}, fmt.Errorf("anchor create %q: %w", req.RouteID, err)

	case Transient(err):
		rec, found, rerr := c.recoverRead(ctx, req.RouteID)
		if rerr == nil && found && rec.Fingerprint == req.Fingerprint {
			log.Printf("req_id=%s anchor create recovered route_id=%s fp=%s", obs.RequestID(ctx), req.RouteID, req.Fingerprint.Short())
			return receiptFromRecord(rec, true), nil
		}
		return domain.AnchorReceipt{}, fmt.Errorf("anchor create %q: %w", req.RouteID, err)

	default:
		return domain.AnchorReceipt{}, fmt.Errorf("anchor create %q: %w", req.RouteID, err)
	}
}

// AnchorUpdate replaces the anchored fingerprint of an existing record.
// It fails with domain.ErrNotAnchored if the route has no record and with
// domain.ErrForbidden if actor is not the original anchoring actor.
func (c *Client) AnchorUpdate(ctx context.Context, actor string, req ports.AnchorUpdateRequest) (_ domain.AnchorReceipt, err error) {
	defer obs.Time(ctx, "anchor.Update")(&err)

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return domain.AnchorReceipt{}, fmt.Errorf("anchor update: %w", domain.ErrInvalidAnchor)
	}

	rec, found, err := c.read(ctx, req.RouteID)
	if err != nil {
		return domain.AnchorReceipt{}, fmt.Errorf("anchor update %q: read: %w", req.RouteID, err)
	}
	if !found {
		return domain.AnchorReceipt{}, fmt.Errorf("anchor update %q: %w", req.RouteID, domain.ErrNotAnchored)
	}
	if rec.AnchoringActor != c.ledger.Identity(actor) {
		log.Printf("req_id=%s anchor update forbidden route_id=%s actor=%s", obs.RequestID(ctx), req.RouteID, actor)
		return domain.AnchorReceipt{}, fmt.Errorf("anchor update %q: actor %q: %w", req.RouteID, actor, domain.ErrForbidden)
	}
	if rec.Fingerprint == req.Fingerprint {
		return receiptFromRecord(rec, true), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	tx, err := c.ledger.Update(callCtx, actor, req)
	cancel()

	if err == nil {
		return receiptFromTx(req.RouteID, req.Fingerprint, tx), nil
	}
	if Transient(err) {
		rec, found, rerr := c.recoverRead(ctx, req.RouteID)
		if rerr == nil && found && rec.Fingerprint == req.Fingerprint {
			log.Printf("req_id=%s anchor update recovered route_id=%s fp=%s", obs.RequestID(ctx), req.RouteID, req.Fingerprint.Short())
			return receiptFromRecord(rec, true), nil
		}
	}
	return domain.AnchorReceipt{}, fmt.Errorf("anchor update %q: %w", req.RouteID, err)
}

// Anchor submits job as a create or an update depending on whether the
// route already has a ledger record. The returned kind names the event to emit.
func (c *Client) Anchor(ctx context.Context, job domain.AnchorJob) (domain.AnchorReceipt, domain.AnchorEventKind, error) {
	_, found, err := c.read(ctx, job.RouteID)
	if err != nil {
		return domain.AnchorReceipt{}, "", fmt.Errorf("anchor %q v%d: %w", job.RouteID, job.Version, err)
	}

	var (
		receipt domain.AnchorReceipt
		kind    domain.AnchorEventKind
	)
	if !found {
		kind = domain.AnchorCreated
		receipt, err = c.AnchorCreate(ctx, job.Actor, ports.AnchorCreateRequest{
			RouteID:       job.RouteID,
			Fingerprint:   job.Fingerprint,
			StatusLabel:   job.StatusLabel,
			TotalDistance: job.TotalDistance,
			StopCount:     job.StopCount,
		})
	} else {
		kind = domain.AnchorUpdated
		receipt, err = c.AnchorUpdate(ctx, job.Actor, ports.AnchorUpdateRequest{
			RouteID:        job.RouteID,
			Fingerprint:    job.Fingerprint,
			StatusLabel:    job.StatusLabel,
			CompletedCount: job.CompletedCount,
		})
	}
	if err != nil {
		return domain.AnchorReceipt{}, "", err
	}

	if job.Final {
		kind = domain.AnchorCompleted
	}
	receipt.Version = job.Version
	return receipt, kind, nil
}

func (c *Client) resolveExisting(routeID string, fp domain.Fingerprint, rec domain.AnchorRecord) (domain.AnchorReceipt, error) {
	if rec.Fingerprint == fp {
		return receiptFromRecord(rec, true), nil
	}
	return domain.AnchorReceipt{}, fmt.Errorf("anchor create %q: ledger holds %s: %w",
		routeID, rec.Fingerprint.Short(), domain.ErrAlreadyAnchored)
}

func (c *Client) read(ctx context.Context, routeID string) (domain.AnchorRecord, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	rec, err := c.ledger.Read(callCtx, routeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AnchorRecord{}, false, nil
	}
	if err != nil {
		return domain.AnchorRecord{}, false, err
	}
	return rec, true, nil
}

// recoverRead checks what landed after a write with unknown outcome. It runs
// even when ctx is already cancelled.
func (c *Client) recoverRead(ctx context.Context, routeID string) (domain.AnchorRecord, bool, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.recoverTimeout)
	defer cancel()

	rec, err := c.ledger.Read(rctx, routeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AnchorRecord{}, false, nil
	}
	if err != nil {
		return domain.AnchorRecord{}, false, err
	}
	return rec, true, nil
}

func receiptFromTx(routeID string, fp domain.Fingerprint, tx ports.LedgerTx) domain.AnchorReceipt {
	at := time.Now().UTC()
	if tx.IncludedAt > 0 {
		at = time.Unix(tx.IncludedAt, 0).UTC()
	}
	return domain.AnchorReceipt{
		RouteID:     routeID,
		Fingerprint: fp,
		TxRef:       tx.Ref,
		AnchoredAt:  at,
	}
}

func receiptFromRecord(rec domain.AnchorRecord, alreadyApplied bool) domain.AnchorReceipt {
	return domain.AnchorReceipt{
		RouteID:        rec.RouteID,
		Fingerprint:    rec.Fingerprint,
		AnchoredAt:     rec.AnchorTime,
		AlreadyApplied: alreadyApplied,
	}
}

// Transient reports errors worth retrying: the ledger was unreachable or the
// call timed out.
func Transient(err error) bool {
	return errors.Is(err, domain.ErrLedgerUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Permanent reports errors that no retry can fix.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrInvalidAnchor) ||
		errors.Is(err, domain.ErrAlreadyAnchored)
}
