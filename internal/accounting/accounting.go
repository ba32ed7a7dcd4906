// Package accounting validates scheduler accounting keys of the form
// PROJECT:CODE against a known vocabulary.
package accounting

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/signalnine/batcheval/internal/evalerr"
)

// DefaultProgram lists valid project names with --projects and code names
// with --codes, one per line.
const DefaultProgram = "cce_wckeys"

var (
	builtinProjects = []string{
		"dteam", "dtsi", "formation", "hpcwe", "ird", "lamsid",
		"p10kq", "p10wb", "p1139", "p1187", "p120f", "p123k", "p125v", "p125w", "p12c6",
		"parc", "sime",
	}
	builtinCodes = []string{
		"aster", "benchmarks", "code_saturne", "dakota", "europlexus", "formation", "gmsh",
		"neptune_cfd", "openfoam", "openturns", "paraview", "petsc", "python", "salome",
		"salome-meca", "telemac_system", "tripoli-4", "undefined",
	}
)

// Checker holds the vocabulary of valid projects and codes.
type Checker struct {
	projects map[string]bool
	codes    map[string]bool
}

// New builds a checker from explicit lists. Names are compared lowercased.
func New(projects, codes []string) *Checker {
	c := &Checker{projects: map[string]bool{}, codes: map[string]bool{}}
	for _, p := range projects {
		c.projects[strings.ToLower(strings.TrimSpace(p))] = true
	}
	for _, code := range codes {
		c.codes[strings.ToLower(strings.TrimSpace(code))] = true
	}
	return c
}

// Builtin returns a checker over the compiled-in vocabulary.
func Builtin() *Checker {
	return New(builtinProjects, builtinCodes)
}

// FromProgram asks the accounting program for its vocabulary. An empty program
// uses DefaultProgram.
func FromProgram(ctx context.Context, program string) (*Checker, error) {
	if program == "" {
		program = DefaultProgram
	}
	projects, err := listNames(ctx, program, "--projects")
	if err != nil {
		return nil, err
	}
	codes, err := listNames(ctx, program, "--codes")
	if err != nil {
		return nil, err
	}
	return New(projects, codes), nil
}

func listNames(ctx context.Context, program, flag string) ([]string, error) {
	out, err := exec.CommandContext(ctx, program, flag).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", program, flag, err)
	}
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, sc.Err()
}

// Check lowercases key, splits it at the first colon and verifies both halves.
func (c *Checker) Check(key string) (project, code string, err error) {
	key = strings.ToLower(key)
	project, code, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", &evalerr.FieldError{Field: "account", Value: key, Reason: "must have format PROJECT:CODE"}
	}
	if !c.projects[project] {
		return "", "", &evalerr.FieldError{Field: "account", Value: key,
			Reason: fmt.Sprintf("project %q is unknown (known: %s)", project, strings.Join(c.Projects(), ", "))}
	}
	if !c.codes[code] {
		return "", "", &evalerr.FieldError{Field: "account", Value: key,
			Reason: fmt.Sprintf("code %q is unknown (known: %s)", code, strings.Join(c.Codes(), ", "))}
	}
	return project, code, nil
}

func (c *Checker) Projects() []string { return sortedKeys(c.projects) }

func (c *Checker) Codes() []string { return sortedKeys(c.codes) }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
