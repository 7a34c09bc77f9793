package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlFixture = `
bus:
  host: 127.0.0.1
  port: 4222
registry:
  echo: "~"
services:
  - type: echo
    variant: t1
    restart: "no"
    timeout: 10
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlFixture), 0o644))
	return path
}

var echoSchema = []FieldSchema{
	{Name: "timeout", Type: FieldInt, Default: int64(0)},
}

// TestConfigLayeringS6 implements spec.md scenario S6 literally: file sets
// timeout=10; env sets ECHO_T1_TIMEOUT=30; CLI passes --timeout=50.
func TestConfigLayeringS6(t *testing.T) {
	path := writeFixture(t)

	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))

	desc, err := r.ResolveService("echo", "t1", echoSchema, map[string]string{"timeout": "50"})
	require.NoError(t, err)
	assert.EqualValues(t, 50, desc.Fields["timeout"])

	desc, err = r.ResolveService("echo", "t1", echoSchema, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 10, desc.Fields["timeout"], "no env/CLI set: file value wins")

	t.Setenv("ECHO_T1_TIMEOUT", "30")
	desc, err = r.ResolveService("echo", "t1", echoSchema, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 30, desc.Fields["timeout"], "env overrides file")

	desc, err = r.ResolveService("echo", "t1", echoSchema, map[string]string{"timeout": "50"})
	require.NoError(t, err)
	assert.EqualValues(t, 50, desc.Fields["timeout"], "CLI overrides env")
}

func TestConfigLayeringDefaultWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - type: echo
    variant: t1
`), 0o644))

	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	desc, err := r.ResolveService("echo", "t1", echoSchema, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, desc.Fields["timeout"], "falls back to schema default")
}

func TestModulePathRegistryFallback(t *testing.T) {
	path := writeFixture(t)
	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	desc, err := r.ResolveService("echo", "t1", echoSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, "ocabox_tcs.services.echo", desc.ModulePath)
}

func TestEnvTokenExpansionInFile(t *testing.T) {
	t.Setenv("ECHO_URL", "nats://example:4222")
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - type: echo
    variant: t1
    url: "${ECHO_URL}"
    label: "prefix-${ECHO_URL}-suffix"
`), 0o644))

	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	desc, err := r.ResolveService("echo", "t1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "nats://example:4222", desc.Fields["url"])
	assert.Equal(t, "prefix-nats://example:4222-suffix", desc.Fields["label"])
}

func TestUndefinedEnvTokenWarns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - type: echo
    variant: t1
    url: "${DOES_NOT_EXIST_XYZ}"
`), 0o644))

	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	assert.NotEmpty(t, r.Warnings())
	desc, err := r.ResolveService("echo", "t1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "${DOES_NOT_EXIST_XYZ}", desc.Fields["url"])
}

func TestBootstrapBusAddress(t *testing.T) {
	path := writeFixture(t)
	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))

	addr := r.BootstrapBusAddress(nil)
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.Equal(t, 4222, addr.Port)

	t.Setenv("BUS_HOST", "10.0.0.5")
	addr = r.BootstrapBusAddress(nil)
	assert.Equal(t, "10.0.0.5", addr.Host)
}

func TestResolveServiceUnknownFails(t *testing.T) {
	path := writeFixture(t)
	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	_, err := r.ResolveService("nope", "x", nil, nil)
	assert.Error(t, err)
}

// TestInstanceContextFallsBackToVariant covers the deprecated
// `instance_context` key (SPEC_FULL.md Open Question resolution #2):
// a block that sets only instance_context resolves as if it had set
// variant.
func TestInstanceContextFallsBackToVariant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - type: echo
    instance_context: t1
    timeout: 7
`), 0o644))

	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	desc, err := r.ResolveService("echo", "t1", echoSchema, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 7, desc.Fields["timeout"])
	assert.Equal(t, "t1", desc.Variant)
}

// TestInstanceContextVariantBothSetVariantWins covers the precedence
// rule when a block sets both keys.
func TestInstanceContextVariantBothSetVariantWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - type: echo
    variant: t1
    instance_context: ignored
    timeout: 3
`), 0o644))

	r := NewResolver(zerolog.Nop())
	require.NoError(t, r.LoadFile(path))
	desc, err := r.ResolveService("echo", "t1", echoSchema, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, desc.Fields["timeout"])

	_, err = r.ResolveService("echo", "ignored", echoSchema, nil)
	assert.Error(t, err, "instance_context must not shadow an explicit variant")
}
