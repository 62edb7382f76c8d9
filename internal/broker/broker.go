// Package broker coordinates one credential transaction: acquire a lease,
// hand the credential to an executor or the disclosure channel, audit the
// outcome and guarantee cleanup. No code path leaves a batch transaction
// with a live, un-revoked lease.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keylease.org/internal/audit"
	"keylease.org/internal/disclose"
	"keylease.org/internal/exec"
	"keylease.org/internal/lease"
	"keylease.org/internal/notify"
	"keylease.org/internal/obs"
)

// LeaseClient is the narrow slice of the leasing authority the broker needs.
type LeaseClient interface {
	Acquire(ctx context.Context, role lease.Role) (lease.Credential, lease.Handle, error)
	Revoke(ctx context.Context, handle lease.Handle) error
}

// ErrNoExecutor means no executor is registered for the role's backend kind.
var ErrNoExecutor = errors.New("broker: no executor for backend kind")

// ErrInvalidRequest covers malformed human-access requests.
var ErrInvalidRequest = errors.New("broker: invalid request")

// TargetInfo locates a target store for disclosure payloads. It carries no
// secret material.
type TargetInfo struct {
	Host     string
	Port     int
	Database string
}

// Broker is the transaction coordinator. Safe for concurrent use; every Run
// invocation is an independent transaction.
type Broker struct {
	leases    LeaseClient
	executors map[lease.Kind]exec.Executor
	discloser *disclose.Service
	notifier  *notify.Notifier
	recorder  *audit.Recorder
	targets   map[lease.Kind]TargetInfo

	revokeTimeout time.Duration
}

// Option configures Broker.
type Option func(*Broker)

// WithExecutor registers the executor for a backend kind.
func WithExecutor(kind lease.Kind, e exec.Executor) Option {
	return func(b *Broker) { b.executors[kind] = e }
}

// WithDiscloser enables the human-access path.
func WithDiscloser(d *disclose.Service) Option {
	return func(b *Broker) { b.discloser = d }
}

// WithNotifier attaches the out-of-band notifier.
func WithNotifier(n *notify.Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// WithTarget records connection details for disclosure payloads.
func WithTarget(kind lease.Kind, info TargetInfo) Option {
	return func(b *Broker) { b.targets[kind] = info }
}

// WithRevokeTimeout bounds the cleanup call.
func WithRevokeTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.revokeTimeout = d
		}
	}
}

// New creates a broker over the lease client and audit recorder.
func New(leases LeaseClient, recorder *audit.Recorder, opts ...Option) *Broker {
	b := &Broker{
		leases:        leases,
		recorder:      recorder,
		executors:     make(map[lease.Kind]exec.Executor),
		targets:       make(map[lease.Kind]TargetInfo),
		revokeTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BatchResult is the outcome of one batch transaction. RevocationFailed and
// AuditDegraded are side conditions: they never erase the report.
type BatchResult struct {
	Report           exec.Report `json:"report"`
	RevocationFailed bool        `json:"revocation_failed,omitempty"`
	AuditDegraded    bool        `json:"audit_degraded,omitempty"`
}

// RunBatch acquires a credential for role, executes the batch and revokes the
// lease exactly once on every exit path, including panics in the executor.
func (b *Broker) RunBatch(ctx context.Context, role lease.Role, actor string, ops []exec.OperationRequest) (BatchResult, error) {
	executor, ok := b.executors[role.Backend]
	if !ok {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrNoExecutor, role.Backend)
	}

	var result BatchResult

	cred, handle, err := b.leases.Acquire(ctx, role)
	if err != nil {
		// Nothing was issued, nothing to revoke. The failure entry
		// references no credential.
		result.AuditDegraded = b.record(ctx, audit.Entry{
			Event:   audit.EventAcquire,
			Actor:   actor,
			Backend: role.Backend,
			Outcome: "failed: " + err.Error(),
		}) || result.AuditDegraded
		obs.ObserveBrokerRun(string(role.Backend), "lease_unavailable")
		return result, err
	}
	result.AuditDegraded = b.record(ctx, audit.Entry{
		Event:   audit.EventAcquire,
		Actor:   actor,
		Backend: role.Backend,
		LeaseID: cred.ID,
		Outcome: "ok",
	}) || result.AuditDegraded

	// Guaranteed-cleanup region. The deferred revoke runs on normal return,
	// execution failure and executor panic alike.
	revoked := false
	revoke := func() {
		if revoked {
			return
		}
		revoked = true
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.revokeTimeout)
		defer cancel()
		if err := b.leases.Revoke(revokeCtx, handle); err != nil {
			result.RevocationFailed = true
			obs.LogEvent("error", "lease revocation failed, manual remediation required", map[string]any{
				"lease_id": handle.LeaseID,
				"severity": "high",
				"error":    err.Error(),
			})
			result.AuditDegraded = b.record(revokeCtx, audit.Entry{
				Event:   audit.EventRevoke,
				Actor:   actor,
				Backend: role.Backend,
				LeaseID: cred.ID,
				Outcome: "failed: " + err.Error(),
			}) || result.AuditDegraded
			return
		}
		result.AuditDegraded = b.record(revokeCtx, audit.Entry{
			Event:   audit.EventRevoke,
			Actor:   actor,
			Backend: role.Backend,
			LeaseID: cred.ID,
			Outcome: "revoked",
		}) || result.AuditDegraded
	}
	defer revoke()

	report, execErr := executor.Execute(ctx, cred, ops)
	result.Report = report

	result.AuditDegraded = b.record(ctx, audit.Entry{
		Event:   audit.EventExecute,
		Actor:   actor,
		Backend: role.Backend,
		LeaseID: cred.ID,
		Outcome: string(report.Status),
		Details: summarize(report, execErr),
	}) || result.AuditDegraded

	// Revoke before returning so the result reflects cleanup status.
	revoke()

	obs.ObserveBrokerRun(string(role.Backend), string(report.Status))
	if execErr != nil && !errors.Is(execErr, exec.ErrConnectionFailure) {
		return result, execErr
	}
	return result, nil
}

// AccessGrant is the outcome of one human-access transaction.
type AccessGrant struct {
	Ticket        disclose.TicketRef `json:"ticket"`
	Backend       lease.Kind         `json:"backend"`
	LeaseID       string             `json:"lease_id"`
	Notified      bool               `json:"notified"`
	AuditDegraded bool               `json:"audit_degraded,omitempty"`
}

// GrantAccess acquires a credential for role and discloses it through a
// one-time ticket instead of returning it. The lease is revoked immediately
// if ticket issuance fails; on success it expires with its TTL, bounded by
// the ticket expiry.
func (b *Broker) GrantAccess(ctx context.Context, role lease.Role, principal, justification string, expiry time.Duration) (AccessGrant, error) {
	if b.discloser == nil {
		return AccessGrant{}, fmt.Errorf("%w: disclosure channel not configured", ErrInvalidRequest)
	}
	if strings.TrimSpace(principal) == "" {
		return AccessGrant{}, fmt.Errorf("%w: principal is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(justification) == "" {
		return AccessGrant{}, fmt.Errorf("%w: justification is required", ErrInvalidRequest)
	}

	var grant AccessGrant
	grant.Backend = role.Backend

	cred, handle, err := b.leases.Acquire(ctx, role)
	if err != nil {
		grant.AuditDegraded = b.record(ctx, audit.Entry{
			Event:         audit.EventAcquire,
			Actor:         principal,
			Human:         true,
			Backend:       role.Backend,
			Justification: justification,
			Outcome:       "failed: " + err.Error(),
		}) || grant.AuditDegraded
		obs.ObserveBrokerRun(string(role.Backend), "lease_unavailable")
		return grant, err
	}
	grant.LeaseID = cred.ID
	grant.AuditDegraded = b.record(ctx, audit.Entry{
		Event:         audit.EventAcquire,
		Actor:         principal,
		Human:         true,
		Backend:       role.Backend,
		Justification: justification,
		LeaseID:       cred.ID,
		Outcome:       "ok",
	}) || grant.AuditDegraded

	target := b.targets[role.Backend]
	ttl := cred.TTL
	if expiry <= 0 || (ttl > 0 && expiry > ttl) {
		expiry = ttl
	}
	payload := disclose.Payload{
		Backend:  role.Backend,
		Host:     target.Host,
		Port:     target.Port,
		Database: target.Database,
		Username: cred.Username,
		Password: cred.Password,
		LeaseID:  cred.ID,
		ExpireAt: cred.IssuedAt.Add(ttl),
	}

	ref, err := b.discloser.Issue(ctx, payload, expiry)
	if err != nil {
		// The credential never reached anyone; revoke it now.
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.revokeTimeout)
		defer cancel()
		if revErr := b.leases.Revoke(revokeCtx, handle); revErr != nil {
			obs.LogEvent("error", "lease revocation failed, manual remediation required", map[string]any{
				"lease_id": handle.LeaseID,
				"severity": "high",
				"error":    revErr.Error(),
			})
		}
		grant.AuditDegraded = b.record(ctx, audit.Entry{
			Event:         audit.EventIssue,
			Actor:         principal,
			Human:         true,
			Backend:       role.Backend,
			Justification: justification,
			LeaseID:       cred.ID,
			Outcome:       "failed: " + err.Error(),
		}) || grant.AuditDegraded
		obs.ObserveBrokerRun(string(role.Backend), "issue_failed")
		return grant, err
	}
	grant.Ticket = ref

	if b.notifier != nil {
		grant.Notified = b.notifier.TicketIssued(ctx, principal, role.Backend, ref.ID, ref.ExpiresAt)
	}

	grant.AuditDegraded = b.record(ctx, audit.Entry{
		Event:         audit.EventIssue,
		Actor:         principal,
		Human:         true,
		Backend:       role.Backend,
		Justification: justification,
		LeaseID:       cred.ID,
		Outcome:       "issued",
		Details: map[string]any{
			"ticket_id":  ref.ID,
			"expires_at": ref.ExpiresAt,
			"notified":   grant.Notified,
		},
	}) || grant.AuditDegraded

	obs.ObserveBrokerRun(string(role.Backend), "issued")
	return grant, nil
}

// record writes one audit entry and reports whether auditing is degraded.
// Audit failure never blocks the transaction or revocation.
func (b *Broker) record(ctx context.Context, e audit.Entry) bool {
	if err := b.recorder.Record(ctx, e); err != nil {
		return errors.Is(err, audit.ErrDegradedAudit)
	}
	return false
}

func summarize(r exec.Report, execErr error) map[string]any {
	var ok, failed, skipped int
	for _, op := range r.Operations {
		switch op.Status {
		case exec.StatusSuccess:
			ok++
		case exec.StatusFailure:
			failed++
		case exec.StatusSkipped:
			skipped++
		}
	}
	details := map[string]any{
		"operations": len(r.Operations),
		"succeeded":  ok,
		"failed":     failed,
		"skipped":    skipped,
	}
	if execErr != nil {
		details["error"] = execErr.Error()
	}
	return details
}
