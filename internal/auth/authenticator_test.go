package auth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/proofs"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newSigner(t *testing.T) *proofs.Signer {
	t.Helper()
	signer, err := proofs.GenerateSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	return signer
}

func signedRequest(t *testing.T, signer MessageSigner, body string, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/3/actions", strings.NewReader(body))
	if err := SignRequest(req, []byte(body), signer, at); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return req
}

func TestAuthenticateRecoversSigner(t *testing.T) {
	signer := newSigner(t)
	a := New(WithNow(func() time.Time { return fixedNow }))
	body := `{"type":"deposit"}`

	subject, err := a.Authenticate(signedRequest(t, signer, body, fixedNow), []byte(body))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Address != signer.Address() || !subject.SignedAt.Equal(fixedNow) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	signer := newSigner(t)
	other := newSigner(t)
	a := New(WithNow(func() time.Time { return fixedNow }), WithMaxSkew(time.Minute))
	body := `{"type":"deposit"}`

	cases := []struct {
		name    string
		request func() *http.Request
		body    string
		message string
	}{
		{
			name:    "missing headers",
			request: func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil) },
			message: ErrMissingSignature.Message(),
		},
		{
			name:    "stale timestamp",
			request: func() *http.Request { return signedRequest(t, signer, body, fixedNow.Add(-2*time.Minute)) },
			body:    body,
			message: ErrStaleRequest.Message(),
		},
		{
			name:    "tampered body",
			request: func() *http.Request { return signedRequest(t, signer, body, fixedNow) },
			body:    `{"type":"dispute"}`,
			message: ErrInvalidSignature.Message(),
		},
		{
			name: "claimed address of someone else",
			request: func() *http.Request {
				req := signedRequest(t, signer, body, fixedNow)
				req.Header.Set(HeaderAddress, other.Address().Hex())
				return req
			},
			body:    body,
			message: ErrInvalidSignature.Message(),
		},
		{
			name: "garbage signature",
			request: func() *http.Request {
				req := signedRequest(t, signer, body, fixedNow)
				req.Header.Set(HeaderSignature, "0x1234")
				return req
			},
			body:    body,
			message: ErrInvalidSignature.Message(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Authenticate(tc.request(), []byte(tc.body))
			if xerrors.CodeOf(err) != CodeUnauthenticated {
				t.Fatalf("expected UNAUTHENTICATED, got %v", err)
			}
			e, _ := xerrors.From(err)
			if e.Message() != tc.message {
				t.Fatalf("expected %q, got %q", tc.message, e.Message())
			}
		})
	}
}

func TestMiddlewarePassesSubjectAndBody(t *testing.T) {
	signer := newSigner(t)
	var audit bytes.Buffer
	a := New(
		WithNow(func() time.Time { return fixedNow }),
		WithAuditLogger(slog.New(slog.NewJSONHandler(&audit, nil))),
	)

	var (
		gotSubject Subject
		gotBody    string
	)
	handler := a.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusAccepted)
	}))

	body := `{"type":"deposit"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, signer, body, fixedNow))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if gotSubject.Address != signer.Address() || gotBody != body {
		t.Fatalf("handler saw subject %s body %q", gotSubject.Address.Hex(), gotBody)
	}
	if !strings.Contains(audit.String(), `"msg":"api_request"`) || !strings.Contains(audit.String(), signer.Address().Hex()) {
		t.Fatalf("request not audited: %s", audit.String())
	}
}

func TestMiddlewareAuditsDenials(t *testing.T) {
	var audit bytes.Buffer
	a := New(WithAuditLogger(slog.New(slog.NewJSONHandler(&audit, nil))))

	var denied error
	handler := a.Middleware(MiddlewareConfig{
		Deny: func(w http.ResponseWriter, _ *http.Request, err error) {
			denied = err
			w.WriteHeader(http.StatusUnauthorized)
		},
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run for unauthenticated requests")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{}")))
	if rec.Code != http.StatusUnauthorized || xerrors.CodeOf(denied) != CodeUnauthenticated {
		t.Fatalf("unexpected denial: %d %v", rec.Code, denied)
	}
	if !strings.Contains(audit.String(), `"msg":"access_denied"`) {
		t.Fatalf("denial not audited: %s", audit.String())
	}
}

func TestSubjectFromContext(t *testing.T) {
	if _, ok := SubjectFromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no subject")
	}
	signer := newSigner(t)
	ctx := WithSubject(context.Background(), Subject{Address: signer.Address()})
	if got, ok := SubjectFromContext(ctx); !ok || got.Address != signer.Address() {
		t.Fatalf("subject not round-tripped: %+v", got)
	}
}
