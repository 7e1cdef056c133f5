package registry

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/shipctl/internal/logging"
	"github.com/opsforge/shipctl/internal/pipeline"
)

type fakeRunner struct {
	commands []string
	stdins   [][]byte
	outputFn func(cmd string) ([]byte, error)
	runErr   error
}

func (f *fakeRunner) record(name string, args []string) string {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	return cmd
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.record(name, args)
	return f.runErr
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := f.record(name, args)
	if f.outputFn != nil {
		return f.outputFn(cmd)
	}
	return nil, nil
}

func (f *fakeRunner) RunWithStdin(_ context.Context, stdin []byte, name string, args ...string) error {
	f.record(name, args)
	f.stdins = append(f.stdins, stdin)
	return f.runErr
}

func newTestClient(runner *fakeRunner) *Client {
	return NewClient(runner, logging.NewLogger(io.Discard, logging.LevelError), "eu-west-1")
}

func TestHost(t *testing.T) {
	assert.Equal(t, "205930632952.dkr.ecr.eu-west-1.amazonaws.com", Host("205930632952", "eu-west-1"))
}

func TestEnsureRepositoryExistingIsNoop(t *testing.T) {
	runner := &fakeRunner{
		outputFn: func(cmd string) ([]byte, error) {
			return []byte(`{"repositories":[]}`), nil
		},
	}
	client := newTestClient(runner)

	require.NoError(t, client.EnsureRepository(context.Background(), "storefront-web"))
	require.NoError(t, client.EnsureRepository(context.Background(), "storefront-web"))

	for _, cmd := range runner.commands {
		assert.Contains(t, cmd, "describe-repositories")
		assert.NotContains(t, cmd, "create-repository")
	}
}

func TestEnsureRepositoryCreatesWhenMissing(t *testing.T) {
	runner := &fakeRunner{
		outputFn: func(cmd string) ([]byte, error) {
			if strings.Contains(cmd, "describe-repositories") {
				return nil, errors.New("RepositoryNotFoundException")
			}
			return nil, nil
		},
	}
	client := newTestClient(runner)

	require.NoError(t, client.EnsureRepository(context.Background(), "storefront-web"))

	require.Len(t, runner.commands, 2)
	assert.Contains(t, runner.commands[0], "describe-repositories")
	assert.Contains(t, runner.commands[1], "create-repository")
}

func TestEnsureRepositorySwallowsCreationRace(t *testing.T) {
	runner := &fakeRunner{
		outputFn: func(cmd string) ([]byte, error) {
			if strings.Contains(cmd, "describe-repositories") {
				return nil, errors.New("RepositoryNotFoundException")
			}
			return nil, errors.New("RepositoryAlreadyExistsException: storefront-web")
		},
	}
	client := newTestClient(runner)

	assert.NoError(t, client.EnsureRepository(context.Background(), "storefront-web"))
}

func TestEnsureRepositoryPropagatesOtherFailures(t *testing.T) {
	runner := &fakeRunner{
		outputFn: func(cmd string) ([]byte, error) {
			if strings.Contains(cmd, "describe-repositories") {
				return nil, errors.New("RepositoryNotFoundException")
			}
			return nil, errors.New("AccessDeniedException")
		},
	}
	client := newTestClient(runner)

	err := client.EnsureRepository(context.Background(), "storefront-web")
	assert.ErrorContains(t, err, "AccessDenied")
}

func TestAuthenticatePipesTokenToLogin(t *testing.T) {
	runner := &fakeRunner{
		outputFn: func(cmd string) ([]byte, error) {
			return []byte("token-value"), nil
		},
	}
	client := newTestClient(runner)

	host := Host("205930632952", "eu-west-1")
	require.NoError(t, client.Authenticate(context.Background(), host))

	require.Len(t, runner.commands, 2)
	assert.Contains(t, runner.commands[0], "get-login-password")
	assert.Contains(t, runner.commands[1], "docker login --username AWS --password-stdin "+host)
	require.Len(t, runner.stdins, 1)
	assert.Equal(t, []byte("token-value"), runner.stdins[0])
}

func TestPushRequiresURI(t *testing.T) {
	client := newTestClient(&fakeRunner{})

	err := client.Push(context.Background(), pipeline.Artifact{Repository: "storefront-web", Tag: "v42-abcd123"})
	assert.Error(t, err)
}

func TestPush(t *testing.T) {
	runner := &fakeRunner{}
	client := newTestClient(runner)

	artifact := pipeline.Artifact{
		Repository: "storefront-web",
		Tag:        "v42-abcd123",
		URI:        "205930632952.dkr.ecr.eu-west-1.amazonaws.com/storefront-web:v42-abcd123",
	}
	require.NoError(t, client.Push(context.Background(), artifact))

	require.Len(t, runner.commands, 1)
	assert.Equal(t, "docker push "+artifact.URI, runner.commands[0])
}
