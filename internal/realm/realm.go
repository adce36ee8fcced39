// Package realm binds the SAML service-provider core to one configured
// identity provider: it initiates logins, consumes posted responses, resolves
// the asserted identity to an application user, and maintains the session
// and replay state around the stateless core.
package realm

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/errors"
	"github.com/wudi/samlgate/internal/logging"
	"github.com/wudi/samlgate/internal/metrics"
	"github.com/wudi/samlgate/internal/saml"
)

// initialFetchTimeout bounds the metadata fetch during New when the caller's
// context carries no deadline of its own.
const initialFetchTimeout = 30 * time.Second

// UserFinder resolves an identity attribute to an application user. The
// field is the configured sso_field, the value is the assertion's NameID.
// A nil map with a nil error means not found.
type UserFinder interface {
	FindUser(ctx context.Context, field, value string) (map[string]string, error)
}

// UserFinderFunc adapts a function to the UserFinder interface.
type UserFinderFunc func(ctx context.Context, field, value string) (map[string]string, error)

func (f UserFinderFunc) FindUser(ctx context.Context, field, value string) (map[string]string, error) {
	return f(ctx, field, value)
}

// RedirectInstruction tells the caller where to send the browser to start a
// login, and which request ID that redirect carries.
type RedirectInstruction struct {
	URL       string
	RequestID string
}

// AuthResult is the outcome of Authenticate: exactly one of Redirect or
// Assertion is set.
type AuthResult struct {
	Redirect  *RedirectInstruction
	Assertion *saml.AssertionInfo
}

// Login carries everything the login-succeeded handler needs about a freshly
// authenticated user.
type Login struct {
	Assertion *saml.AssertionInfo
	User      map[string]string
	ReturnTo  string
}

// Realm is one service-provider deployment bound to one identity provider.
// All SAML state for that binding lives here; the saml package underneath
// stays stateless.
type Realm struct {
	// LoginSucceeded, when set, runs after a response validated, the user
	// resolved, and the session cookie was written. The default redirects
	// to the relay target.
	LoginSucceeded func(w http.ResponseWriter, r *http.Request, login *Login)

	// AccessDenied, when set, runs for every rejected response. The
	// default writes the JSON 403 body. The error passed in is the full
	// internal failure; implementations must not echo it to the client.
	AccessDenied func(w http.ResponseWriter, r *http.Request, err error)

	cfg        config.SAMLConfig
	sp         *saml.ServiceProvider
	keys       *saml.KeyStore
	idp        atomic.Pointer[saml.IdentityProvider]
	finder     UserFinder
	sessions   *sessions
	pending    *pendingRequests
	replay     *replayGuard
	clock      clockwork.Clock
	collector  *metrics.Collector
	pathPrefix string
	refresher  *refresher
}

// New builds a fully initialized realm or fails with a config or metadata
// error. Nothing is deferred: the key material is loaded, the IdP metadata
// fetched and parsed, and every derived endpoint computed before New
// returns, so a realm that exists is a realm that can authenticate.
func New(ctx context.Context, cfg config.SAMLConfig, finder UserFinder) (*Realm, error) {
	applyDefaults(&cfg)

	ks, err := saml.LoadKeyStore(cfg.CertFile, cfg.KeyFile, cfg.CACertFile)
	if err != nil {
		return nil, err
	}

	sp, err := saml.NewServiceProvider(cfg, ks)
	if err != nil {
		return nil, err
	}

	if cfg.DefaultIdPMetadata == "" {
		return nil, errors.ErrConfig.WithDetails("default_idp_metadata is required")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, initialFetchTimeout)
		defer cancel()
	}
	ed, err := saml.FetchIdPMetadata(ctx, cfg.DefaultIdPMetadata, ks)
	if err != nil {
		return nil, err
	}
	idp, err := saml.NewIdentityProvider(ed, cfg.OverrideSAMLURL, cfg.OverrideSAMLID)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	sess, err := newSessions(cfg.Session, clock)
	if err != nil {
		return nil, err
	}

	rm := &Realm{
		cfg:        cfg,
		sp:         sp,
		keys:       ks,
		finder:     finder,
		sessions:   sess,
		pending:    newPendingRequests(cfg.RequestTTL),
		replay:     newReplayGuard(cfg.ReplayTTL),
		clock:      clock,
		pathPrefix: normalizePrefix(cfg.PathPrefix),
	}
	rm.idp.Store(idp)

	if cfg.MetadataRefresh > 0 {
		rm.refresher = newRefresher(rm, cfg.DefaultIdPMetadata, cfg.MetadataRefresh)
		if err := rm.refresher.start(); err != nil {
			return nil, err
		}
	}

	return rm, nil
}

// applyDefaults fills zero values so a Realm embedded without the config
// loader still behaves.
func applyDefaults(cfg *config.SAMLConfig) {
	if cfg.SSOField == "" {
		cfg.SSOField = "email"
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/saml"
	}
	if cfg.NameIDFormat == "" {
		cfg.NameIDFormat = "email"
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 90 * time.Second
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 10 * time.Minute
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = "samlgate_session"
	}
	if cfg.Session.MaxAge <= 0 {
		cfg.Session.MaxAge = 8 * time.Hour
	}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "/saml"
	}
	if prefix[0] != '/' {
		prefix = "/" + prefix
	}
	for len(prefix) > 1 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix
}

// SetCollector wires the metrics collector. Safe to leave unset; every
// recording site is nil-guarded.
func (rm *Realm) SetCollector(c *metrics.Collector) {
	rm.collector = c
}

// ServiceProvider returns the realm's SP identity.
func (rm *Realm) ServiceProvider() *saml.ServiceProvider {
	return rm.sp
}

// IdP returns the current identity provider. The pointer is swapped
// atomically by the metadata refresher, so callers must not cache it across
// requests.
func (rm *Realm) IdP() *saml.IdentityProvider {
	return rm.idp.Load()
}

// PathPrefix returns the normalized prefix the realm's endpoints live under.
func (rm *Realm) PathPrefix() string {
	return rm.pathPrefix
}

// Stats reports the realm's binding and cache occupancy.
func (rm *Realm) Stats() map[string]any {
	idp := rm.idp.Load()
	return map[string]any{
		"sp_entity_id":     rm.sp.EntityID,
		"acs_url":          rm.sp.ACSURL,
		"idp_entity_id":    idp.EntityID,
		"idp_sso_url":      idp.SSOURL,
		"metadata_source":  rm.cfg.DefaultIdPMetadata,
		"pending_requests": rm.pending.Len(),
		"seen_assertions":  rm.replay.Len(),
	}
}

// Close stops the metadata refresher, if one is running.
func (rm *Realm) Close() {
	if rm.refresher != nil {
		rm.refresher.stop()
	}
}

// Authenticate is the single programmatic entry point. A request without a
// posted SAMLResponse yields a redirect instruction to the IdP; a request
// carrying one is validated and yields the assertion. User resolution is
// deliberately not part of this call.
func (rm *Realm) Authenticate(r *http.Request) (*AuthResult, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, errors.ErrMalformedResponse.Wrap(err)
		}
	}
	if encoded := r.PostFormValue("SAMLResponse"); encoded != "" {
		info, err := rm.ConsumeResponse(encoded)
		if err != nil {
			return nil, err
		}
		return &AuthResult{Assertion: info}, nil
	}

	returnTo := r.URL.Query().Get("return_to")
	if returnTo != "" && !isRelativePath(returnTo) {
		return nil, errors.ErrBadRequest.WithDetailsf("return_to %q is not a relative path", returnTo)
	}
	redirect, err := rm.BeginLogin(returnTo)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Redirect: redirect}, nil
}

// BeginLogin builds the redirect to the IdP and records the request ID as
// outstanding so the eventual response can be tied back to it.
func (rm *Realm) BeginLogin(returnTo string) (*RedirectInstruction, error) {
	relayState := ""
	if returnTo != "" {
		relayState = signRelayState(rm.sessions.signingKey, returnTo)
	}

	dest, requestID, err := saml.BuildRedirectURL(rm.sp, rm.idp.Load(), "", relayState)
	if err != nil {
		return nil, err
	}
	rm.pending.Add(requestID)

	if rm.collector != nil {
		rm.collector.RecordLoginRedirect()
	}
	return &RedirectInstruction{URL: dest, RequestID: requestID}, nil
}

// ConsumeResponse runs the full response validation plus the realm's own
// gates: the response must answer an outstanding request (unless
// IdP-initiated logins are allowed) and the assertion ID must not have been
// consumed before.
func (rm *Realm) ConsumeResponse(encoded string) (*saml.AssertionInfo, error) {
	info, err := saml.ValidateResponse(encoded, rm.idp.Load(), rm.sp, rm.clock.Now())
	if err != nil {
		return nil, err
	}

	if info.InResponseTo != "" {
		if !rm.pending.Consume(info.InResponseTo) {
			return nil, errors.ErrUnknownRequest.WithDetailsf(
				"response answers unknown or expired request %s", info.InResponseTo)
		}
	} else if !rm.cfg.AllowIdPInitiated {
		return nil, errors.ErrUnknownRequest.WithDetails(
			"unsolicited response and allow_idp_initiated is off")
	}

	if info.AssertionID != "" && !rm.replay.CheckAndRecord(info.AssertionID) {
		return nil, errors.ErrReplayed.WithDetailsf(
			"assertion %s already consumed", info.AssertionID)
	}

	return info, nil
}

// FindUser resolves the asserted identity against the application's user
// store. Without a configured finder the assertion alone is the identity.
func (rm *Realm) FindUser(ctx context.Context, info *saml.AssertionInfo) (map[string]string, error) {
	if rm.finder == nil {
		return nil, nil
	}
	user, err := rm.finder.FindUser(ctx, rm.cfg.SSOField, info.NameID)
	if err != nil {
		if _, ok := errors.AsAuthError(err); ok {
			return nil, err
		}
		return nil, errors.ErrUserNotFound.Wrap(err)
	}
	if user == nil {
		return nil, errors.ErrUserNotFound.WithDetailsf(
			"no user with %s = %s", rm.cfg.SSOField, info.NameID)
	}
	return user, nil
}

// refreshIdP re-reads the metadata source and swaps the IdP pointer. Called
// from the refresher goroutine; failures keep the previous IdP.
func (rm *Realm) refreshIdP(ctx context.Context) {
	ed, err := saml.FetchIdPMetadata(ctx, rm.cfg.DefaultIdPMetadata, rm.keys)
	if err != nil {
		logging.Warn("IdP metadata refresh failed",
			zap.String("source", rm.cfg.DefaultIdPMetadata),
			zap.Error(err))
		if rm.collector != nil {
			rm.collector.RecordMetadataRefresh(false)
		}
		return
	}
	idp, err := saml.NewIdentityProvider(ed, rm.cfg.OverrideSAMLURL, rm.cfg.OverrideSAMLID)
	if err != nil {
		logging.Warn("refreshed IdP metadata is unusable",
			zap.String("source", rm.cfg.DefaultIdPMetadata),
			zap.Error(err))
		if rm.collector != nil {
			rm.collector.RecordMetadataRefresh(false)
		}
		return
	}

	rm.idp.Store(idp)
	if rm.collector != nil {
		rm.collector.RecordMetadataRefresh(true)
	}
	logging.Info("IdP metadata refreshed",
		zap.String("source", rm.cfg.DefaultIdPMetadata),
		zap.String("entity_id", idp.EntityID))
}
