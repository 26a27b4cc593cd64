package claims

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/healthchain/healthchain/internal/platform/auth"
	"github.com/healthchain/healthchain/pkg/pagination"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t, &fakeAssessor{})
	return NewHandler(f.svc), f, echo.New()
}

func newRequest(method, body string, id auth.Identity) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), id))
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != status {
		t.Errorf("expected %d, got %d (%v)", status, he.Code, he.Message)
	}
}

func TestHandler_SubmitClaim(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"hospital_id":"hosp-1","amount":12000.50,"diagnosis":"appendicitis","admission_date":"2024-03-01","discharge_date":"2024-03-04"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, body, patient), rec)

	if err := h.SubmitClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["status"] != "pending" || got["amount_minor_units"] != float64(1200050) {
		t.Errorf("unexpected body %v", got)
	}
	if got["ledger_tx_hash"] == nil {
		t.Error("expected ledger tx hash in response")
	}
}

func TestHandler_SubmitClaim_BadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodPost, `{"hospital_id":"hosp-1","amount":0,"diagnosis":"x"}`, patient), httptest.NewRecorder())
	expectStatus(t, h.SubmitClaim(c), http.StatusBadRequest)
}

func TestHandler_SubmitClaim_Unauthenticated(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	expectStatus(t, h.SubmitClaim(e.NewContext(req, httptest.NewRecorder())), http.StatusUnauthorized)
}

func TestHandler_ResolveClaim(t *testing.T) {
	h, f, e := newTestHandler(t)
	claim := submitted(t, f)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"decision":"rejected","rejection_reason":"policy_exclusion"}`, insurer), rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())
	if err := h.ResolveClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Claim
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusRejected || got.RejectionReasonHash == nil {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c = e.NewContext(newRequest(http.MethodPost, `{"decision":"approved"}`, insurer), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())
	expectStatus(t, h.ResolveClaim(c), http.StatusConflict)
}

func TestHandler_ResolveClaim_Errors(t *testing.T) {
	h, f, e := newTestHandler(t)
	claim := submitted(t, f)

	tests := []struct {
		name   string
		id     string
		body   string
		caller auth.Identity
		status int
	}{
		{"bad id", "not-a-uuid", `{"decision":"approved"}`, insurer, http.StatusBadRequest},
		{"unknown claim", "00000000-0000-0000-0000-000000000001", `{"decision":"approved"}`, insurer, http.StatusNotFound},
		{"missing reason", claim.ID.String(), `{"decision":"rejected"}`, insurer, http.StatusBadRequest},
		{"wrong role", claim.ID.String(), `{"decision":"approved"}`, patient, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(newRequest(http.MethodPost, tt.body, tt.caller), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			expectStatus(t, h.ResolveClaim(c), tt.status)
		})
	}
}

func TestHandler_GetClaim(t *testing.T) {
	h, f, e := newTestHandler(t)
	claim := submitted(t, f)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "", patient), rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())
	if err := h.GetClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListClaims(t *testing.T) {
	h, f, e := newTestHandler(t)
	submitted(t, f)
	submitted(t, f)

	req := newRequest(http.MethodGet, "", patient)
	req.URL.RawQuery = "limit=1"
	rec := httptest.NewRecorder()
	if err := h.ListClaims(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got pagination.Response
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Total != 2 || got.Limit != 1 || !got.HasMore {
		t.Errorf("unexpected page %+v", got)
	}
	if items, ok := got.Data.([]interface{}); !ok || len(items) != 1 {
		t.Errorf("expected one item, got %v", got.Data)
	}
}

func TestHTTPError_UnknownIsInternal(t *testing.T) {
	expectStatus(t, httpError(context.DeadlineExceeded), http.StatusInternalServerError)
}
