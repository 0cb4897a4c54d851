package command

import (
	"context"
	"testing"

	"github.com/ethchange/taskrunner/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_Immutable(t *testing.T) {
	args := []string{"python", "-m", "manage"}
	base := New(args...)
	args[0] = "mutated"

	migrate := base.WithArgs("migrate", "--run-syncdb", "--noinput")
	flush := base.WithArgs("flush", "--noinput").WithDir("/repo").WithEnv("DJANGO_DEBUG=1")

	assert.Equal(t, []string{"python", "-m", "manage"}, base.Args())
	assert.Equal(t, []string{"python", "-m", "manage", "migrate", "--run-syncdb", "--noinput"}, migrate.Args())
	assert.Equal(t, []string{"python", "-m", "manage", "flush", "--noinput"}, flush.Args())
	assert.Empty(t, base.Dir())
	assert.Empty(t, base.Env())
	assert.Equal(t, "/repo", flush.Dir())
	assert.Equal(t, []string{"DJANGO_DEBUG=1"}, flush.Env())

	returned := base.Args()
	returned[0] = "changed"
	assert.Equal(t, "python", base.Program())
}

func TestSpec_String(t *testing.T) {
	tests := []struct {
		name     string
		spec     Spec
		expected string
	}{
		{"plain", New("geth", "--goerli", "--http.port", "8545"), "geth --goerli --http.port 8545"},
		{"comma list", New("geth", "--http.api", "eth,net,web3"), "geth --http.api eth,net,web3"},
		{"spaces", New("/opt/my tools/geth"), "'/opt/my tools/geth'"},
		{"empty arg", New("echo", ""), "echo ''"},
		{"single quote", New("echo", "it's"), `echo 'it'"'"'s'`},
		{"no args", New(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.spec.String())
		})
	}
}

func TestSpec_Validate(t *testing.T) {
	assert.NoError(t, New("geth").Validate())
	assert.True(t, errors.IsValidationError(New().Validate()))
	assert.True(t, errors.IsValidationError(New("").Validate()))
	assert.True(t, errors.IsValidationError(New("geth").WithEnv("NOEQUALS").Validate()))
}

func TestSpec_Cmd(t *testing.T) {
	spec := New("/bin/echo", "hello").WithDir("/tmp").WithEnv("A=1")

	cmd := spec.Cmd(context.Background())
	assert.Equal(t, []string{"/bin/echo", "hello"}, cmd.Args)
	assert.Equal(t, "/tmp", cmd.Dir)
	require.NotEmpty(t, cmd.Env)
	assert.Equal(t, "A=1", cmd.Env[len(cmd.Env)-1])

	plain := New("/bin/echo").Cmd(nil)
	assert.Nil(t, plain.Env)
	assert.Empty(t, plain.Dir)
}
