package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthchain/healthchain/internal/platform/fraud"
)

type stubAssessor struct {
	prescription fraud.Prescription
	explanation  string
	err          error
	lastInput    string
}

func (s *stubAssessor) Analyze(context.Context, fraud.ClaimSummary) (fraud.Analysis, error) {
	return fraud.Analysis{}, s.err
}

func (s *stubAssessor) Structure(_ context.Context, notes string) (fraud.Prescription, error) {
	s.lastInput = notes
	return s.prescription, s.err
}

func (s *stubAssessor) Explain(_ context.Context, reason string) (string, error) {
	s.lastInput = reason
	return s.explanation, s.err
}

func post(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_StructureNotes(t *testing.T) {
	stub := &stubAssessor{prescription: fraud.Prescription{
		Diagnosis:   "Type 2 diabetes",
		ICD10Code:   "E11.9",
		Medications: []fraud.Medication{{Name: "Metformin", Dosage: "500mg", Frequency: "twice daily", Duration: "90 days"}},
	}}
	h, e := NewHandler(stub, zerolog.Nop()), echo.New()

	c, rec := post(e, `{"notes":"T2DM, start metformin 500 bid x3mo"}`)
	if err := h.StructureNotes(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.lastInput != "T2DM, start metformin 500 bid x3mo" {
		t.Errorf("notes not passed through: %q", stub.lastInput)
	}
	var got fraud.Prescription
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ICD10Code != "E11.9" || len(got.Medications) != 1 {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Explain(t *testing.T) {
	stub := &stubAssessor{explanation: "This treatment is not covered by your plan."}
	h, e := NewHandler(stub, zerolog.Nop()), echo.New()

	c, rec := post(e, `{"technical_reason":"policy_exclusion"}`)
	if err := h.Explain(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got explainResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Explanation != stub.explanation {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		explain bool
		body    string
		status  int
	}{
		{"missing notes", nil, false, `{"notes":"  "}`, http.StatusBadRequest},
		{"missing reason", nil, true, `{}`, http.StatusBadRequest},
		{"assessor disabled", fraud.ErrAssessorDisabled, false, `{"notes":"x"}`, http.StatusServiceUnavailable},
		{"malformed reply", fmt.Errorf("%w: trailing data", fraud.ErrMalformed), false, `{"notes":"x"}`, http.StatusBadGateway},
		{"upstream failure", fmt.Errorf("after 3 attempts: 500"), true, `{"technical_reason":"x"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := NewHandler(&stubAssessor{err: tt.err}, zerolog.Nop()), echo.New()
			c, _ := post(e, tt.body)
			var err error
			if tt.explain {
				err = h.Explain(c)
			} else {
				err = h.StructureNotes(c)
			}
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected *echo.HTTPError, got %v", err)
			}
			if he.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, he.Code)
			}
		})
	}
}
