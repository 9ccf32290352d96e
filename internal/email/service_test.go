package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"abode/collab/internal/notify"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port:   "587",
				From:   "noreply@example.com",
				Domain: "example.com",
			},
			expected: false,
		},
		{
			name: "missing domain",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "noreply@example.com",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host:   "smtp.example.com",
				Port:   "587",
				From:   "noreply@example.com",
				Domain: "example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestService(t *testing.T) (*Service, *[]capturedMail) {
	t.Helper()
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "noreply@example.com",
		FromName: "Abode",
		Domain:   "studio.example.com",
	})
	var sent []capturedMail
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, capturedMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

func TestDeliverMention(t *testing.T) {
	svc, sent := newTestService(t)

	err := svc.Deliver(context.Background(), notify.Notification{
		ID:        "ntf_1",
		UserID:    "bob",
		Type:      notify.TypeMention,
		ProjectID: "tower",
		Payload:   map[string]any{"from": "alice", "excerpt": "@bob <check> the lintel"},
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(*sent))
	}
	mail := (*sent)[0]
	if mail.addr != "smtp.example.com:587" {
		t.Errorf("addr = %q", mail.addr)
	}
	if len(mail.to) != 1 || mail.to[0] != "bob@studio.example.com" {
		t.Errorf("to = %v", mail.to)
	}
	if !strings.Contains(mail.msg, "Subject: alice mentioned you in tower") {
		t.Error("missing subject")
	}
	if !strings.Contains(mail.msg, "From: Abode <noreply@example.com>") {
		t.Error("missing from header")
	}
	if !strings.Contains(mail.msg, "&lt;check&gt;") {
		t.Error("excerpt should be html escaped")
	}
}

func TestDeliverCollaboratorAdded(t *testing.T) {
	svc, sent := newTestService(t)

	err := svc.Deliver(context.Background(), notify.Notification{
		UserID:    "carol",
		Type:      notify.TypeCollaboratorAdded,
		ProjectID: "tower",
		Payload:   map[string]any{"addedBy": "alice", "role": "editor"},
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if !strings.Contains((*sent)[0].msg, "alice gave you the editor role") {
		t.Error("body should name the inviter and role")
	}
}

func TestDeliverRejectsUnaddressableUser(t *testing.T) {
	svc, sent := newTestService(t)

	for _, userID := range []string{"", "eve@evil.com", "a b"} {
		err := svc.Deliver(context.Background(), notify.Notification{UserID: userID, Type: notify.TypeReply})
		if err == nil {
			t.Errorf("expected error for user %q", userID)
		}
	}
	if len(*sent) != 0 {
		t.Fatalf("no mail should be sent, got %d", len(*sent))
	}
}

func TestDeliverUnknownType(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Deliver(context.Background(), notify.Notification{UserID: "bob", Type: "digest"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDeliverNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.Deliver(context.Background(), notify.Notification{UserID: "bob", Type: notify.TypeMention}); err == nil {
		t.Fatal("expected error when not configured")
	}
}
