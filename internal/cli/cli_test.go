package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/healthsync/internal/app"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/contentstore/memstore"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/orchestrator"
)

type harness struct {
	t    *testing.T
	dir  string
	opts []Option
}

func newHarness(t *testing.T) *harness {
	t.Setenv(EnvPassphrase, "correct horse battery staple")
	net := memstore.New("kubo")
	return &harness{
		t:    t,
		dir:  t.TempDir(),
		opts: []Option{WithAppOptions(app.WithLogger(logging.Nop{}), app.WithBackends(net))},
	}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	root := NewRootCommand(h.opts...)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "-d", h.dir, "-u", "dr.house"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, out)
	return out
}

func match(t *testing.T, re, s string) []string {
	t.Helper()
	m := regexp.MustCompile(re).FindStringSubmatch(s)
	require.NotNil(t, m, "%q does not match %q", s, re)
	return m
}

func TestWorkflow(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("init")
	assert.Contains(t, out, "Device ID: device_")
	assert.Contains(t, out, "registry")

	out = h.mustRun("add", "name=Jane Doe", "age=42", "diagnosis=flu")
	id := match(t, `Added (patient_\S+) \(rev (\S+)\)`, out)[1]

	out = h.mustRun("list")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Jane Doe")

	out = h.mustRun("show", id)
	assert.Regexp(t, `Name:\s+Jane Doe`, out)
	assert.Regexp(t, `Verified:\s+yes`, out)
	assert.Regexp(t, `Created by:\s+dr.house`, out)

	h.mustRun("update", id, "diagnosis=cold", "room=12")
	out = h.mustRun("show", id)
	assert.Regexp(t, `Diagnosis:\s+cold`, out)
	assert.Regexp(t, `Room:\s+12`, out)
	assert.Regexp(t, `Age:\s+42`, out, "untouched fields are kept")

	out = h.mustRun("search", "cold")
	assert.Contains(t, out, "Jane Doe")
	out = h.mustRun("search", "measles")
	assert.Contains(t, out, "No patients.")

	file := filepath.Join(t.TempDir(), "report.pdf")
	pdf := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0xAB}, 4096)...)
	require.NoError(t, os.WriteFile(file, pdf, 0o600))
	out = h.mustRun("attach", id, file, "--description", "lab results")
	attID := match(t, `Attached (\S+) to`, out)[1]

	saved := filepath.Join(t.TempDir(), "copy.pdf")
	out = h.mustRun("attachment", id, attID, "-o", saved)
	assert.Contains(t, out, "application/pdf")
	got, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, pdf, got)

	export := filepath.Join(t.TempDir(), "export.jsonl")
	h.mustRun("export", "-o", export)
	f, err := os.Open(export)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, id, lines[0]["id"])

	out = h.mustRun("sync")
	assert.Contains(t, out, "registry: pushed")

	out = h.mustRun("status")
	assert.Regexp(t, `registry\s+yes\s+0\s+idle`, out)

	out = h.mustRun("drain")
	assert.Contains(t, out, "Drained 0, still queued 0")

	h.mustRun("delete", id)
	out = h.mustRun("list")
	assert.Contains(t, out, "No patients.")
}

func TestUpdate_StaleRevisionIsConflict(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("add", "name=Jane Doe")
	id := match(t, `Added (\S+) `, out)[1]

	_, err := h.run("update", id, "age=43", "--rev", "1-0000")
	require.ErrorIs(t, err, common.ErrConflict)
}

func TestAdd_RejectsUnknownField(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("add", "name=Jane", "blood_type=0+")
	require.ErrorIs(t, err, models.ErrIncorrectMetadata)
}

func TestWrongPassphrase(t *testing.T) {
	h := newHarness(t)
	h.mustRun("init")

	t.Setenv(EnvPassphrase, "not it")
	_, err := h.run("list")
	require.ErrorIs(t, err, common.ErrIntegrity)
}

func TestSync_UnknownAdapter(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("sync", "nope")
	require.ErrorIs(t, err, orchestrator.ErrUnknownAdapter)
}

func TestInit_PromptsTwice(t *testing.T) {
	h := newHarness(t)
	t.Setenv(EnvPassphrase, "")

	old := readPassword
	defer func() { readPassword = old }()

	answers := [][]byte{[]byte("s3cret"), []byte("s3cret")}
	readPassword = func(int) ([]byte, error) {
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	h.mustRun("init")
	assert.Empty(t, answers)

	answers = [][]byte{[]byte("s3cret"), []byte("typo")}
	_, err := h.run("init")
	require.ErrorIs(t, err, errPassphraseMismatch)

	readPassword = func(int) ([]byte, error) { return nil, errors.New("not a terminal") }
	_, err = h.run("list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read passphrase")
}

func TestApplyPairs(t *testing.T) {
	md := models.Metadata{Name: "Jane Doe", Age: "42", Room: "7", CreatedBy: "nurse"}

	got, err := applyPairs(md, []string{"Age= 43 ", "room="})
	require.NoError(t, err)
	assert.Equal(t, models.Metadata{Name: "Jane Doe", Age: "43", CreatedBy: "nurse"}, got)

	for _, bad := range []string{"height=180", "created_by=me", "nameJane"} {
		_, err := applyPairs(md, []string{bad})
		assert.ErrorIs(t, err, models.ErrIncorrectMetadata, bad)
	}
}
