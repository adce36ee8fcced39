package realm

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/samlgate/internal/errors"
	"github.com/wudi/samlgate/internal/logging"
)

// ServeHTTP dispatches the realm's endpoints by path suffix under the
// configured prefix: login, consumer-post, metadata, logout.
func (rm *Realm) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	suffix := strings.TrimPrefix(r.URL.Path, rm.pathPrefix)
	suffix = strings.TrimPrefix(suffix, "/")

	switch suffix {
	case "login":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		rm.handleLogin(w, r)
	case "consumer-post":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		rm.handleConsumerPost(w, r)
	case "metadata":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		rm.handleMetadata(w, r)
	case "logout":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		rm.handleLogout(w, r)
	default:
		http.NotFound(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	errors.ErrMethodNotAllowed.WriteJSON(w)
}

// handleLogin starts SP-initiated SSO with a redirect to the IdP.
func (rm *Realm) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo != "" && !isRelativePath(returnTo) {
		errors.ErrBadRequest.WithDetails("return_to must be a relative path").WriteJSON(w)
		return
	}

	redirect, err := rm.BeginLogin(returnTo)
	if err != nil {
		rm.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// handleConsumerPost consumes the IdP's POST-bound response: validate, tie
// back to an outstanding request, resolve the user, mint the session. Any
// failure ends in the access-denied handler with the concrete reason kept
// out of the response body.
func (rm *Realm) handleConsumerPost(w http.ResponseWriter, r *http.Request) {
	if rm.collector != nil {
		rm.collector.RecordSSOAttempt()
	}

	if err := r.ParseForm(); err != nil {
		rm.denied(w, r, errors.ErrMalformedResponse.Wrap(err))
		return
	}
	encoded := r.PostFormValue("SAMLResponse")
	if encoded == "" {
		rm.denied(w, r, errors.ErrMalformedResponse.WithDetails("request carries no SAMLResponse field"))
		return
	}

	start := time.Now()
	info, err := rm.ConsumeResponse(encoded)
	if rm.collector != nil {
		rm.collector.RecordValidateDuration(time.Since(start))
	}
	if err != nil {
		rm.denied(w, r, err)
		return
	}

	user, err := rm.FindUser(r.Context(), info)
	if err != nil {
		rm.denied(w, r, err)
		return
	}

	token, err := rm.sessions.Mint(info, user)
	if err != nil {
		rm.writeError(w, r, err)
		return
	}
	http.SetCookie(w, rm.sessions.Cookie(token))

	returnTo := "/"
	if rs := r.PostFormValue("RelayState"); rs != "" {
		if dest, ok := verifyRelayState(rm.sessions.signingKey, rs); ok {
			returnTo = dest
		}
	}

	if rm.collector != nil {
		rm.collector.RecordSSOSuccess()
	}
	logging.Info("login succeeded",
		zap.String("name_id", info.NameID),
		zap.String("issuer", info.Issuer))

	if rm.LoginSucceeded != nil {
		rm.LoginSucceeded(w, r, &Login{Assertion: info, User: user, ReturnTo: returnTo})
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// handleMetadata serves the SP metadata document.
func (rm *Realm) handleMetadata(w http.ResponseWriter, r *http.Request) {
	body, err := rm.sp.MetadataXML()
	if err != nil {
		rm.writeError(w, r, err)
		return
	}
	if rm.collector != nil {
		rm.collector.RecordMetadataRequest()
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(body)
}

// handleLogout clears the local session. There is no SLO round trip with
// the IdP; the session cookie is this realm's only logout scope.
func (rm *Realm) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, rm.sessions.ClearCookie())
	http.Redirect(w, r, "/", http.StatusFound)
}

// Session returns the verified session attached to the request's cookie.
func (rm *Realm) Session(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(rm.sessions.cookieName)
	if err != nil {
		return nil, err
	}
	return rm.sessions.Verify(cookie.Value)
}

// denied records and logs a rejected SSO attempt, then answers with the
// public access-denied body. The concrete failure reason reaches logs and
// metrics only.
func (rm *Realm) denied(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.KindOf(err)
	reason := string(kind)
	if reason == "" {
		reason = "internal"
	}
	if rm.collector != nil {
		rm.collector.RecordSSOFailure(reason)
	}
	logging.Warn("SSO attempt rejected",
		zap.String("reason", reason),
		zap.Error(err))

	if rm.AccessDenied != nil {
		rm.AccessDenied(w, r, err)
		return
	}
	errors.ForKind(kind).WriteJSON(w)
}

// writeError logs an internal failure and writes its public JSON body.
func (rm *Realm) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := errors.AsAuthError(err)
	if !ok {
		ae = errors.ErrInternalServer
	}
	logging.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	errors.ForKind(ae.Kind).WriteJSON(w)
}
