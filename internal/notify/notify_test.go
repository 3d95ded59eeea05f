package notify

import (
	"net/smtp"
	"strings"
	"testing"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/workflow"
)

func testService(captured *[]byte, to *[]string) *Service {
	svc := NewService(Config{
		Host:      "smtp.example.com",
		Port:      "587",
		From:      "noreply@example.com",
		FromName:  "Docufen",
		PortalURL: "https://docs.example.com",
	})
	svc.send = func(server string, auth smtp.Auth, from string, recipients []string, msg []byte) error {
		*captured = append([]byte(nil), msg...)
		*to = append([]string(nil), recipients...)
		return nil
	}
	return svc
}

func TestNotifyNextSigner(t *testing.T) {
	var msg []byte
	var to []string
	svc := testService(&msg, &to)

	err := svc.NotifyNextSigner("doc-9", workflow.Participant{
		Name:  "Blake Reed",
		Email: "blake@example.com",
	}, stage.Execute)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(to) != 1 || to[0] != "blake@example.com" {
		t.Fatalf("expected mail to blake@example.com, got %v", to)
	}
	body := string(msg)
	if !strings.Contains(body, "Blake Reed") {
		t.Errorf("expected signer name in body")
	}
	if !strings.Contains(body, "doc-9") {
		t.Errorf("expected document key in body")
	}
	if !strings.Contains(body, "https://docs.example.com/documents/doc-9") {
		t.Errorf("expected portal link in body")
	}
}

func TestNotifySkipsSignerWithoutEmail(t *testing.T) {
	var msg []byte
	var to []string
	svc := testService(&msg, &to)

	err := svc.NotifyNextSigner("doc-9", workflow.Participant{Name: "No Mail"}, stage.Execute)
	if err != nil {
		t.Fatalf("expected missing email to be skipped, got %v", err)
	}
	if len(to) != 0 {
		t.Fatalf("expected no mail sent, got %v", to)
	}
}

func TestNotifyUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	err := svc.NotifyNextSigner("doc-9", workflow.Participant{Email: "x@example.com"}, stage.Execute)
	if err == nil {
		t.Fatalf("expected error when not configured")
	}
}
