package notify

import (
	"context"
	"strings"
	"testing"
)

func TestDispatcherIsConfigured(t *testing.T) {
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
				Port: "587",
				From: "vellum@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "vellum@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(tt.config, nil)
			if d.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", d.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestEmailBroadcastUnconfiguredIsNoOp(t *testing.T) {
	d := NewDispatcher(Config{}, nil)
	if err := d.EmailBroadcast(context.Background(), "subject", "<p>hi</p>", []string{"a@b.c"}); err != nil {
		t.Fatalf("unconfigured broadcast should be a no-op, got %v", err)
	}
}

func TestPushToAllWithoutSenderIsNoOp(t *testing.T) {
	d := NewDispatcher(Config{}, nil)
	if err := d.PushToAll(context.Background(), "title", "body"); err != nil {
		t.Fatalf("push without sender should be a no-op, got %v", err)
	}
}

func TestRenderPublicationEmail(t *testing.T) {
	html, err := RenderPublicationEmail(PublicationData{
		AppName: "Vellum",
		Titles:  []string{"Handbook p1", "Handbook p2"},
	})
	if err != nil {
		t.Fatalf("RenderPublicationEmail: %v", err)
	}
	if !strings.Contains(html, "Vellum") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Handbook p1") || !strings.Contains(html, "Handbook p2") {
		t.Error("template should list every published title")
	}
}

func TestStaticDirectoryParsing(t *testing.T) {
	dir := NewStaticDirectory(" a@b.c , ,d@e.f,")
	emails, err := dir.ListSubscriberEmails(context.Background())
	if err != nil {
		t.Fatalf("ListSubscriberEmails: %v", err)
	}
	if len(emails) != 2 || emails[0] != "a@b.c" || emails[1] != "d@e.f" {
		t.Fatalf("emails = %v, want [a@b.c d@e.f]", emails)
	}

	empty := NewStaticDirectory("")
	emails, _ = empty.ListSubscriberEmails(context.Background())
	if len(emails) != 0 {
		t.Fatalf("emails = %v, want empty", emails)
	}
}
