package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

const registerExpires = 3600

// registration is one submitted account registration. The REGISTER
// round-trip (including the digest re-REGISTER) runs on its own goroutine;
// every response is surfaced through the onState slot.
type registration struct {
	u       *UA
	cfg     AccountConfig
	onState RegistrationStateFunc

	identity  sip.Uri
	registrar sip.Uri
	callID    string
	cancel    context.CancelFunc

	mu       sync.Mutex
	disposed bool
	bound    bool // a 2xx was seen, so the registrar holds a binding
}

var _ Registration = (*registration)(nil)

// Register implements Engine. The REGISTER is issued asynchronously; the
// returned handle only aborts and un-registers.
func (u *UA) Register(ctx context.Context, cfg AccountConfig, onState RegistrationStateFunc) (Registration, error) {
	if !u.started() {
		return nil, ErrNotStarted
	}

	r := &registration{
		u:       u,
		cfg:     cfg,
		onState: onState,
		callID:  generateCallID(),
	}
	if err := sip.ParseUri(cfg.IdentityURI, &r.identity); err != nil {
		return nil, fmt.Errorf("parse identity URI %q: %w", cfg.IdentityURI, err)
	}
	if err := sip.ParseUri(cfg.RegistrarURI, &r.registrar); err != nil {
		return nil, fmt.Errorf("parse registrar URI %q: %w", cfg.RegistrarURI, err)
	}

	regCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(regCtx)

	slog.Info("[Engine] Registration submitted",
		"identity", cfg.IdentityURI,
		"registrar", cfg.RegistrarURI,
	)
	return r, nil
}

// run drives one registration attempt to a terminal response.
func (r *registration) run(ctx context.Context) {
	req := r.buildREGISTER(1, registerExpires)

	tx, err := r.u.client.TransactionRequest(ctx, req)
	if err != nil {
		slog.Error("[Engine] REGISTER send failed", "identity", r.cfg.IdentityURI, "error", err)
		r.notify(false, 503)
		return
	}
	defer func() { tx.Terminate() }()

	authed := false
	for {
		select {
		case <-ctx.Done():
			return

		case <-tx.Done():
			slog.Debug("[Engine] REGISTER transaction ended without final response", "identity", r.cfg.IdentityURI)
			return

		case res := <-tx.Responses():
			if res == nil {
				return
			}
			code := int(res.StatusCode)

			switch {
			case code == int(sip.StatusUnauthorized) || code == int(sip.StatusProxyAuthRequired):
				// The challenge is normal digest negotiation, not a
				// failure; surface it and answer it once.
				r.notify(false, code)
				if authed {
					slog.Warn("[Engine] Registrar re-challenged after digest auth", "identity", r.cfg.IdentityURI)
					return
				}
				authed = true
				tx.Terminate()
				tx, err = r.u.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
					Username: r.cfg.Username,
					Password: r.cfg.Password,
				})
				if err != nil {
					slog.Error("[Engine] Digest auth failed", "identity", r.cfg.IdentityURI, "error", err)
					r.notify(false, 503)
					return
				}

			case code < 200:
				r.notify(false, code)

			case code < 300:
				r.mu.Lock()
				r.bound = true
				r.mu.Unlock()
				slog.Info("[Engine] Registered", "identity", r.cfg.IdentityURI)
				r.notify(true, 200)
				return

			default:
				slog.Info("[Engine] Registration rejected", "identity", r.cfg.IdentityURI, "status", code)
				r.notify(false, code)
				return
			}
		}
	}
}

// notify surfaces a registration response unless the handle was disposed.
func (r *registration) notify(active bool, status int) {
	r.mu.Lock()
	disposed := r.disposed
	r.mu.Unlock()
	if disposed || r.onState == nil {
		return
	}
	r.onState(active, status)
}

// Dispose implements Registration. Aborts any in-flight attempt and
// best-effort removes the binding; errors are swallowed, the registrar may
// already have dropped us.
func (r *registration) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	bound := r.bound
	r.mu.Unlock()

	r.cancel()
	if bound {
		go r.unregister()
	}
}

func (r *registration) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := r.buildREGISTER(2, 0)
	tx, err := r.u.client.TransactionRequest(ctx, req)
	if err != nil {
		slog.Debug("[Engine] Un-REGISTER send failed", "identity", r.cfg.IdentityURI, "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res != nil && (int(res.StatusCode) == int(sip.StatusUnauthorized) || int(res.StatusCode) == int(sip.StatusProxyAuthRequired)) {
			tx2, err := r.u.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
				Username: r.cfg.Username,
				Password: r.cfg.Password,
			})
			if err != nil {
				return
			}
			defer tx2.Terminate()
			select {
			case <-tx2.Responses():
			case <-tx2.Done():
			case <-ctx.Done():
			}
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
}

// buildREGISTER constructs a REGISTER request for this account. The same
// Call-ID is reused across the attempt and the un-REGISTER.
func (r *registration) buildREGISTER(seq uint32, expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, r.registrar)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{
		Address: r.identity,
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: r.identity,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callIDHdr)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      seq,
		MethodName: sip.REGISTER,
	})

	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   r.identity.User,
			Host:   r.u.cfg.AdvertiseAddr,
			Port:   r.u.cfg.Port,
		},
	})

	expiresHdr := sip.ExpiresHeader(expires)
	req.AppendHeader(&expiresHdr)

	return req
}
