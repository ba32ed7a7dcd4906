package accounting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/batcheval/internal/evalerr"
)

func TestCheck(t *testing.T) {
	c := New([]string{"p125v", "Formation"}, []string{"openturns"})
	tests := []struct {
		name    string
		key     string
		project string
		code    string
		wantErr string
	}{
		{"valid", "p125v:openturns", "p125v", "openturns", ""},
		{"case insensitive", "FORMATION:OpenTURNS", "formation", "openturns", ""},
		{"missing colon", "p125v", "", "", "PROJECT:CODE"},
		{"unknown project", "zzz:openturns", "", "", `project "zzz"`},
		{"unknown code", "p125v:fortran", "", "", `code "fortran"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, code, err := c.Check(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Check(%q): %v", tt.key, err)
				}
				if project != tt.project || code != tt.code {
					t.Errorf("Check(%q) = %q, %q", tt.key, project, code)
				}
				return
			}
			var fe *evalerr.FieldError
			if !errors.As(err, &fe) || fe.Field != "account" {
				t.Fatalf("Check(%q) error = %v, want account field error", tt.key, err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
			if !errors.Is(err, evalerr.ErrConfiguration) {
				t.Errorf("error is not a configuration error")
			}
		})
	}
}

func TestBuiltin(t *testing.T) {
	if _, _, err := Builtin().Check("p125v:openturns"); err != nil {
		t.Errorf("builtin vocabulary rejected p125v:openturns: %v", err)
	}
}

func TestFromProgram(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "wckeys")
	script := "#!/bin/sh\ncase \"$1\" in\n--projects) printf 'alpha\\nbeta\\n' ;;\n--codes) printf 'solver\\n\\n' ;;\nesac\n"
	if err := os.WriteFile(prog, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	c, err := FromProgram(context.Background(), prog)
	if err != nil {
		t.Fatalf("FromProgram: %v", err)
	}
	if got := strings.Join(c.Projects(), ","); got != "alpha,beta" {
		t.Errorf("projects = %s", got)
	}
	if got := strings.Join(c.Codes(), ","); got != "solver" {
		t.Errorf("codes = %s", got)
	}
	if _, _, err := c.Check("beta:solver"); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestFromProgramMissing(t *testing.T) {
	if _, err := FromProgram(context.Background(), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing program")
	}
}
