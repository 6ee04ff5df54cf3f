package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func TestClassifyParsesCompletionAndReturnsRawOutput(t *testing.T) {
	var capturedPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var payload struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		capturedPrompt = payload.Messages[0].Content
		_, _ = w.Write([]byte(completionBody(`{"sender":"Tax Office","date":"2026-03-01","subject":"Assessment 2025","document_type":"taxes","content_summary":"Annual income tax assessment.","confidence":0.95}`)))
	}))
	defer server.Close()

	classifier := NewClassifier(New(server.URL, "test-key", "test-model", 600))
	result, raw, err := classifier.Classify(context.Background(), ports.EvidenceBundle{
		SessionID:  "s1",
		PageTexts:  []string{"Belastingdienst assessment for 2025"},
		QRPayloads: []string{"https://pay.example/tax"},
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Sender != "Tax Office" || result.DocumentType != domain.TypeTaxes {
		t.Fatalf("unexpected result %+v", result)
	}
	if raw == "" {
		t.Fatalf("expected raw output for audit log")
	}
	if !strings.Contains(capturedPrompt, "Belastingdienst") || !strings.Contains(capturedPrompt, "https://pay.example/tax") {
		t.Fatalf("prompt missing evidence: %s", capturedPrompt)
	}
}

func TestClassifyWrapsMalformedJSONAsSchemaValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionBody("sorry, I cannot help with that")))
	}))
	defer server.Close()

	classifier := NewClassifier(New(server.URL, "", "test-model", 600))
	_, raw, err := classifier.Classify(context.Background(), ports.EvidenceBundle{PageTexts: []string{"text"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation, got %v", err)
	}
	if raw != "sorry, I cannot help with that" {
		t.Fatalf("expected raw output preserved for diagnostics, got %q", raw)
	}
}

func TestClassifyWrapsServerErrorsAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer server.Close()

	classifier := NewClassifier(New(server.URL, "", "test-model", 600))
	_, _, err := classifier.Classify(context.Background(), ports.EvidenceBundle{PageTexts: []string{"text"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrTransientExternal) {
		t.Fatalf("expected ErrTransientExternal, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream overloaded") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestSameDocumentParsesVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionBody(`{"same_document": true}`)))
	}))
	defer server.Close()

	classifier := NewClassifier(New(server.URL, "", "test-model", 600))
	same, err := classifier.SameDocument(context.Background(),
		ports.EvidenceBundle{PageTexts: []string{"page one of letter"}},
		ports.EvidenceBundle{PageTexts: []string{"page two of letter"}})
	if err != nil {
		t.Fatalf("SameDocument() error = %v", err)
	}
	if !same {
		t.Fatalf("expected same_document=true")
	}
}
