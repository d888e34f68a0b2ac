package resources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariner-sh/mariner/pkg/engine"
)

func TestFileCreateWritesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	f := NewFile(path)
	f.Content = []byte("welcome\n")

	res := f.Apply(context.Background(), "create")
	require.Equal(t, engine.StatusUpdated, res.Status)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(got))
}

func TestFileCreateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	f := NewFile(path)
	f.Content = []byte("welcome\n")

	require.Equal(t, engine.StatusUpdated, f.Apply(context.Background(), "create").Status)
	assert.Equal(t, engine.StatusUnchanged, f.Apply(context.Background(), "create").Status)
}

func TestFileCreateRewritesDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(path, []byte("drifted"), 0644))

	f := NewFile(path)
	f.Content = []byte("desired")

	res := f.Apply(context.Background(), "create")
	require.Equal(t, engine.StatusUpdated, res.Status)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "desired", string(got))
}

func TestFileModeConverges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	f := NewFile(path)
	f.Content = []byte("x")
	f.Mode = 0600

	res := f.Apply(context.Background(), "create")
	require.Equal(t, engine.StatusUpdated, res.Status)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Equal(t, engine.StatusUnchanged, f.Apply(context.Background(), "create").Status)
}

func TestFileDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	f := NewFile(path)
	require.Equal(t, engine.StatusUpdated, f.Apply(context.Background(), "delete").Status)
	assert.Equal(t, engine.StatusUnchanged, f.Apply(context.Background(), "delete").Status)
	assert.NoFileExists(t, path)
}

func TestFileUnknownAction(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "x"))
	res := f.Apply(context.Background(), "explode")
	assert.Equal(t, engine.StatusFailed, res.Status)
}

func TestFileReleaseDropsContent(t *testing.T) {
	f := NewFile("/tmp/x")
	f.Content = []byte("big buffer")
	f.Release()
	assert.Nil(t, f.Content)
}

func TestDirectoryCreateAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srv", "app")
	d := NewDirectory(path)
	d.Mode = 0750

	require.Equal(t, engine.StatusUpdated, d.Apply(context.Background(), "create").Status)
	assert.Equal(t, engine.StatusUnchanged, d.Apply(context.Background(), "create").Status)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())

	require.Equal(t, engine.StatusUpdated, d.Apply(context.Background(), "delete").Status)
	assert.Equal(t, engine.StatusUnchanged, d.Apply(context.Background(), "delete").Status)
}

func TestDirectoryRejectsFileAtPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collision")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	d := NewDirectory(path)
	res := d.Apply(context.Background(), "create")
	assert.Equal(t, engine.StatusFailed, res.Status)
}

func TestLinkCreateAndRepoint(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "v1")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	path := filepath.Join(dir, "current")

	l := NewLink(path, target)
	require.Equal(t, engine.StatusUpdated, l.Apply(context.Background(), "create").Status)
	assert.Equal(t, engine.StatusUnchanged, l.Apply(context.Background(), "create").Status)

	l.To = filepath.Join(dir, "v2")
	require.Equal(t, engine.StatusUpdated, l.Apply(context.Background(), "create").Status)

	got, err := os.Readlink(path)
	require.NoError(t, err)
	assert.Equal(t, l.To, got)
}

func TestLinkRefusesRegularFileWithoutForce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current")
	require.NoError(t, os.WriteFile(path, []byte("not a link"), 0644))

	l := NewLink(path, filepath.Join(dir, "v1"))
	assert.Equal(t, engine.StatusFailed, l.Apply(context.Background(), "create").Status)

	l.Force = true
	assert.Equal(t, engine.StatusUpdated, l.Apply(context.Background(), "create").Status)
}

func TestTemplateRendersAndConverges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.conf")
	tpl := NewTemplate(path)
	tpl.Inline = "host={{.Node.hostname}} port={{.Vars.port}}\n"
	tpl.Node = map[string]any{"hostname": "web1"}
	tpl.Variables = map[string]any{"port": 8080}

	require.Equal(t, engine.StatusUpdated, tpl.Apply(context.Background(), "create").Status)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "host=web1 port=8080\n", string(got))

	assert.Equal(t, engine.StatusUnchanged, tpl.Apply(context.Background(), "create").Status)
}

func TestTemplateFromSourceFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nginx.conf.tmpl")
	require.NoError(t, os.WriteFile(src, []byte("worker_processes {{.Vars.workers}};\n"), 0644))

	tpl := NewTemplate(filepath.Join(dir, "nginx.conf"))
	tpl.Source = src
	tpl.Variables = map[string]any{"workers": 4}

	require.Equal(t, engine.StatusUpdated, tpl.Apply(context.Background(), "create").Status)
	got, _ := os.ReadFile(tpl.Path)
	assert.Equal(t, "worker_processes 4;\n", string(got))
}

func TestTemplateBadSyntaxFails(t *testing.T) {
	tpl := NewTemplate(filepath.Join(t.TempDir(), "bad.conf"))
	tpl.Inline = "{{.Vars.port"
	assert.Equal(t, engine.StatusFailed, tpl.Apply(context.Background(), "create").Status)
}
