package flow

import "testing"

func TestExpand(t *testing.T) {
	vars := map[string]string{"Nome": "Ana", "protocol": "20240101-000042"}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no placeholders", "hello", "hello"},
		{"case insensitive key", "Oi {{nome}}!", "Oi Ana!"},
		{"upper case token", "Oi {{ NOME }}", "Oi Ana"},
		{"missing key kept literal", "Plan {{plan}}", "Plan {{plan}}"},
		{"multiple", "{{nome}} / {{PROTOCOL}}", "Ana / 20240101-000042"},
		{"unterminated", "{{nome", "{{nome"},
		{"single brace", "Olá {Nome}, tudo bem?", "Olá Ana, tudo bem?"},
		{"single brace padded", "Olá { nome }", "Olá Ana"},
		{"single brace missing key", "Valor {premio}", "Valor {premio}"},
		{"mixed forms", "{nome} / {{protocol}}", "Ana / 20240101-000042"},
		{"json is not a placeholder", `{"nome": 1}`, `{"nome": 1}`},
		{"empty braces", "{} {{}}", "{} {{}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expand(tt.in, vars); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandIsPure(t *testing.T) {
	vars := map[string]string{"a": "1"}
	first := Expand("{{a}}{{b}}", vars)
	second := Expand("{{a}}{{b}}", vars)
	if first != second || first != "1{{b}}" {
		t.Fatalf("unexpected expansion %q / %q", first, second)
	}
	if len(vars) != 1 || vars["a"] != "1" {
		t.Fatalf("Expand mutated its input: %v", vars)
	}
}
