package util

import "testing"

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Hi {{name}}, halo {{nama}}!", []string{"{{name}}", "", "{{nama}}"}, "Sari")
	if got != "Hi Sari, halo Sari!" {
		t.Fatalf("unexpected render: %q", got)
	}
	if got := RenderTemplate("no tokens", nil, "x"); got != "no tokens" {
		t.Fatalf("unexpected render: %q", got)
	}
}
