package infra

import "testing"

func TestRedactorSanitize(t *testing.T) {
	r := NewRedactor("http://gpu-box:8188/", "ws://gpu-box:8188/ws")

	in := `post prompt: Post "http://gpu-box:8188/prompt": connection refused`
	out := r.Sanitize(in)
	if out != `post prompt: Post "[REDACTED]/prompt": connection refused` {
		t.Fatalf("unexpected sanitized message: %q", out)
	}

	in = "dial ws://gpu-box:8188/ws: no route to host"
	out = r.Sanitize(in)
	if out != "dial [REDACTED]: no route to host" {
		t.Fatalf("unexpected sanitized message: %q", out)
	}
}

func TestRedactorIgnoresEmptySecrets(t *testing.T) {
	r := NewRedactor("", "   ")
	if got := r.Sanitize("plain message"); got != "plain message" {
		t.Fatalf("message changed: %q", got)
	}
}

func TestRedactorNilReceiver(t *testing.T) {
	var r *Redactor
	if got := r.Sanitize("plain message"); got != "plain message" {
		t.Fatalf("message changed: %q", got)
	}
}
