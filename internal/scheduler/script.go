package scheduler

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/signalnine/batcheval/internal/evalerr"
)

// UnitIDEnv carries the unit id to a batch script run outside an array job.
const UnitIDEnv = "BATCHEVAL_UNIT_ID"

func directivePrefix(backend string) string {
	if backend == "slurm" {
		return "#SBATCH"
	}
	return "# batcheval:"
}

// RenderScript writes the submission artifact for b. Slurm reads the
// directives; other backends keep the script as a record of the request.
func RenderScript(w io.Writer, backend, jobName string, b *Batch) error {
	if backend == "slurm" && strings.ContainsAny(b.RunDir, " \t\n") {
		return evalerr.Configf("run directory %q contains whitespace, which batch directives cannot carry", b.RunDir)
	}
	prefix := directivePrefix(backend)
	r := b.Resources
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	directive := func(format string, args ...any) {
		sb.WriteString(prefix + " " + fmt.Sprintf(format, args...) + "\n")
	}
	directive("--job-name=%s", jobName)
	directive("--nodes=%d", r.Nodes)
	directive("--cpus-per-task=%d", r.CPUs)
	if r.MemoryMB > 0 {
		directive("--mem=%dM", r.MemoryMB)
	}
	if r.TimeLimit > 0 {
		directive("--time=%s", FormatTimeLimit(r.TimeLimit))
	}
	if r.Account != "" {
		directive("--wckey=%s", r.Account)
	}
	if r.Partition != "" {
		directive("--partition=%s", r.Partition)
	}
	// Slurm bounds array index values, not just their count, so every batch
	// numbers its tasks from 0 and the case table below maps them to units.
	logBase := filepath.Join(b.RunDir, "submit", fmt.Sprintf("batch_%d_%%a", b.Index))
	directive("--output=%s.out", logBase)
	directive("--error=%s.err", logBase)
	directive("--array=%s", ArraySpec(arrayIndices(len(b.Targets)), b.ArrayParallelism))
	for _, opt := range r.ExtraOptions {
		directive("%s", opt)
	}
	sb.WriteString("\n")
	sb.WriteString("if [ -n \"${SLURM_ARRAY_TASK_ID:-}\" ]; then\n")
	sb.WriteString("  case \"$SLURM_ARRAY_TASK_ID\" in\n")
	for i, t := range b.Targets {
		fmt.Fprintf(&sb, "  %d) UNIT_ID=%d ;;\n", i, t.Unit)
	}
	sb.WriteString("  *) echo \"no unit for array task $SLURM_ARRAY_TASK_ID\" >&2; exit 2 ;;\n")
	sb.WriteString("  esac\n")
	sb.WriteString("else\n")
	fmt.Fprintf(&sb, "  UNIT_ID=\"$%s\"\n", UnitIDEnv)
	sb.WriteString("fi\n")
	fmt.Fprintf(&sb, "cd %s/unit_\"$UNIT_ID\" || exit 2\n", shellQuote(b.RunDir))
	sb.WriteString("mkdir -p logs\n")
	sb.WriteString("exec sh runner/run.sh >>logs/stdout.log 2>>logs/stderr.log\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func arrayIndices(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// ArraySpec compresses ids into a Slurm array range list such as
// "0-2,5,7-9", with an optional "%parallelism" suffix.
func ArraySpec(ids []int, parallelism int) string {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	var parts []string
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, strconv.Itoa(sorted[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
		}
		i = j + 1
	}
	spec := strings.Join(parts, ",")
	if parallelism > 0 {
		spec += "%" + strconv.Itoa(parallelism)
	}
	return spec
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
