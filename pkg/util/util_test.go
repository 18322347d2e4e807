package utils

import (
	"fmt"
	"strings"
	"testing"
)

func TestContains(t *testing.T) {
	hosts := []string{"https://example.com", "http://localhost:8080"}

	tests := []struct {
		host  string
		hosts []string
		want  bool
	}{
		{"https://example.com", hosts, true},
		{"HTTPS://EXAMPLE.COM", hosts, true},
		{"https://evil.com", hosts, false},
		{"", hosts, false},
		{"https://anything", []string{"*"}, true},
		{"https://example.com", nil, false},
	}
	for _, tt := range tests {
		if got := Contains(tt.host, tt.hosts); got != tt.want {
			t.Errorf("Contains(%q, %v) = %v, want %v", tt.host, tt.hosts, got, tt.want)
		}
	}
}

func TestLogIds(t *testing.T) {
	a := NewLogIds("ws", 42)
	b := NewLogIds("ws", 42)

	seen := map[string]bool{}
	for i := 1; i <= 10; i++ {
		id := a.Next()
		if id != b.Next() {
			t.Fatalf("same seed gave different ids at %d", i)
		}
		if !strings.HasPrefix(id, fmt.Sprintf("ws-%d-", i)) {
			t.Fatalf("unexpected id %q", id)
		}
		if suffix := id[strings.LastIndexByte(id, '-')+1:]; len(suffix) != logIdSuffixLength || strings.ContainsAny(suffix, "0OlI") {
			t.Fatalf("unexpected suffix in %q", id)
		}
		if seen[id] {
			t.Fatalf("repeated id %q", id)
		}
		seen[id] = true
	}
}
