package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		args []string
	}{
		{"argv wins", Spec{Argv: []string{"byzerllm", "deploy", "--model", "m1"}, Command: "ignored"}, []string{"byzerllm", "deploy", "--model", "m1"}},
		{"plain", Spec{Command: "sleep 1"}, []string{"sleep", "1"}},
		{"meta chars", Spec{Command: "echo a | cat"}, []string{"/bin/sh", "-c", "echo a | cat"}},
		{"explicit shell", Spec{Command: "sh -c 'echo hi; exit 0'"}, []string{"/bin/sh", "-c", "echo hi; exit 0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := tc.spec.BuildCommand()
			require.NoError(t, err)
			assert.Equal(t, tc.args, cmd.Args)
		})
	}

	_, err := Spec{Command: "  "}.BuildCommand()
	assert.Error(t, err)
}
