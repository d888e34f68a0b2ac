package manifest

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/resources"
)

func loadSource(t *testing.T, src string) []engine.Resource {
	t.Helper()
	loader, err := NewLoader(nil, map[string]any{"hostname": "web1"})
	require.NoError(t, err)
	list, err := loader.LoadSource("test.cue", src)
	require.NoError(t, err)
	return list
}

func TestLoadWebServerManifest(t *testing.T) {
	list := loadSource(t, `
resources: [
	{kind: "package", name: "nginx"},
	{
		kind:    "file"
		name:    "/etc/nginx/nginx.conf"
		content: "worker_processes 1;\n"
		mode:    "0644"
		notifies: [{action: "restart", target: "service[nginx]", timing: "immediately"}]
	},
	{kind: "service", name: "nginx", action: "enable"},
]
`)
	require.Len(t, list, 3)
	assert.Equal(t, "package[nginx]", list[0].Identity().String())

	f, ok := list[1].(*resources.File)
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0644), f.Mode)
	notes := f.Common().Notifies
	require.Len(t, notes, 1)
	assert.Equal(t, engine.TimingImmediate, notes[0].Timing)
	assert.Equal(t, engine.ID("service", "nginx"), notes[0].Target)

	assert.Equal(t, "enable", list[2].Common().Action)
}

func TestGuardsBecomeShellGuards(t *testing.T) {
	list := loadSource(t, `
resources: [
	{kind: "execute", name: "bootstrap", command: "true", only_if: "test -d /srv", not_if: "test -f /srv/.done"},
]
`)
	guards := list[0].Common().Guards
	require.Len(t, guards, 2)
	assert.Equal(t, engine.GuardOnlyIf, guards[0].Kind)
	assert.Equal(t, "test -d /srv", guards[0].Source)
	assert.Equal(t, engine.GuardNotIf, guards[1].Kind)
}

func TestTemplateGetsNodeFacts(t *testing.T) {
	list := loadSource(t, `
resources: [
	{kind: "template", name: "/etc/app.conf", inline: "host={{.Node.hostname}}", variables: {port: 8080}},
]
`)
	tpl, ok := list[0].(*resources.Template)
	require.True(t, ok)
	assert.Equal(t, "web1", tpl.Node["hostname"])
}

func TestSysctlResource(t *testing.T) {
	list := loadSource(t, `
resources: [
	{kind: "sysctl", name: "vm.swappiness", value: "10"},
]
`)
	require.Len(t, list, 1)
	s, ok := list[0].(*resources.Sysctl)
	require.True(t, ok)
	assert.Equal(t, "10", s.Value)
	assert.Equal(t, "set", s.Common().Action)
}

func TestUnknownKindRejected(t *testing.T) {
	loader, err := NewLoader(nil, nil)
	require.NoError(t, err)
	_, err = loader.LoadSource("test.cue", `
resources: [{kind: "firewall", name: "default"}]
`)
	require.Error(t, err)
}

func TestUnknownFieldRejected(t *testing.T) {
	loader, err := NewLoader(nil, nil)
	require.NoError(t, err)
	_, err = loader.LoadSource("test.cue", `
resources: [{kind: "file", name: "/tmp/x", chmod: "0644"}]
`)
	require.Error(t, err)
}

func TestMissingPerKindFieldsRejected(t *testing.T) {
	loader, err := NewLoader(nil, nil)
	require.NoError(t, err)

	cases := map[string]string{
		"link without to": `
resources: [{kind: "link", name: "/usr/local/bin/app"}]
`,
		"execute without command": `
resources: [{kind: "execute", name: "bootstrap"}]
`,
		"remote_file without source": `
resources: [{kind: "remote_file", name: "/opt/pkg.tar.gz"}]
`,
		"sysctl without value": `
resources: [{kind: "sysctl", name: "vm.swappiness"}]
`,
	}
	for name, src := range cases {
		_, err := loader.LoadSource("test.cue", src)
		assert.Error(t, err, name)
	}
}

func TestBadModeRejected(t *testing.T) {
	loader, err := NewLoader(nil, nil)
	require.NoError(t, err)
	_, err = loader.LoadSource("test.cue", `
resources: [{kind: "file", name: "/tmp/x", mode: "rwxr--r--"}]
`)
	require.Error(t, err)
}

func TestBadNotificationTargetRejected(t *testing.T) {
	loader, err := NewLoader(nil, nil)
	require.NoError(t, err)
	_, err = loader.LoadSource("test.cue", `
resources: [{
	kind: "file", name: "/tmp/x",
	notifies: [{action: "restart", target: "nginx"}]
}]
`)
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/site.cue"
	require.NoError(t, os.WriteFile(path, []byte(`
resources: [{kind: "package", name: "curl"}]
`), 0644))

	loader, err := NewLoader(nil, nil)
	require.NoError(t, err)
	list, err := loader.Load(path)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "package[curl]", list[0].Identity().String())
}

func TestCUEExpressionsEvaluate(t *testing.T) {
	list := loadSource(t, `
_domain: "example.com"

resources: [
	{kind: "file", name: "/etc/hosts.d/\(_domain)", content: "127.0.0.1 \(_domain)\n"},
]
`)
	require.Len(t, list, 1)
	assert.Equal(t, "file[/etc/hosts.d/example.com]", list[0].Identity().String())
}
