package task

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yerba/yerbad/internal/status"
)

func TestFormatArgsShortensAbsolutePaths(t *testing.T) {
	args := []Arg{
		{Flag: "-n", Value: "hi", Shorten: false},
		{Flag: "-f", Value: "/tmp/data/input.txt", Shorten: true},
		{Flag: "-g", Value: "relative.txt", Shorten: true},
	}
	assert.Equal(t, " -n hi -f input.txt -g relative.txt", FormatArgs(args))
}

func TestRenderDoublesSpaceBetweenCmdAndArgsWhileCommandDoesNot(t *testing.T) {
	fs := afero.NewMemMapFs()
	tk, err := FromObject(map[string]interface{}{
		"cmd":  "echo",
		"args": []interface{}{[]interface{}{"-n", "hi", false}},
	}, fs)
	require.NoError(t, err)

	assert.Equal(t, "echo -n hi", tk.Command())
	assert.Equal(t, "echo  -n hi", tk.Render())
	assert.Equal(t, "echo -n hi", tk.State()["cmd"])
}

func TestFromObjectRoundTripsSubmittedFields(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := map[string]interface{}{
		"cmd":         "echo",
		"description": "say hi",
		"inputs":      []interface{}{"/tmp/b", "/tmp/a"},
		"outputs":     []interface{}{"/tmp/out"},
	}
	tk, err := FromObject(raw, fs)
	require.NoError(t, err)

	st := tk.State()
	assert.Equal(t, "say hi", st["description"])
	assert.Equal(t, "echo", st["cmd"])
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, st["inputs"])
}

func TestReadyRequiresAllInputsPresent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/a", []byte("x"), 0644))

	tk, err := FromObject(map[string]interface{}{
		"cmd":    "x",
		"inputs": []interface{}{"/tmp/a", "/tmp/b"},
	}, fs)
	require.NoError(t, err)

	ready, err := tk.Ready()
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, afero.WriteFile(fs, "/tmp/b", []byte("x"), 0644))
	ready, err = tk.Ready()
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestCompletedWithNoOutputsGatesOnReturnCode(t *testing.T) {
	fs := afero.NewMemMapFs()
	tk, err := FromObject(map[string]interface{}{"cmd": "x"}, fs)
	require.NoError(t, err)

	completed, err := tk.Completed()
	require.NoError(t, err)
	assert.False(t, completed, "no info yet")

	tk.Info = map[string]interface{}{"returned": 0}
	completed, err = tk.Completed()
	require.NoError(t, err)
	assert.True(t, completed)

	tk.Info = map[string]interface{}{"returned": 1}
	completed, err = tk.Completed()
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestFailedChecksAttemptsAgainstRetries(t *testing.T) {
	fs := afero.NewMemMapFs()
	tk, err := FromObject(map[string]interface{}{
		"cmd":     "x",
		"options": map[string]interface{}{"retries": 2},
	}, fs)
	require.NoError(t, err)

	assert.False(t, tk.Failed())
	tk.Attempts = 3
	assert.True(t, tk.Failed())
}

func TestValidateSpecRejectsNullDescriptor(t *testing.T) {
	reason, ok := ValidateSpec(map[string]interface{}{
		"cmd":    "x",
		"inputs": []interface{}{nil},
	})
	assert.False(t, ok)
	assert.Equal(t, "An input was invalid", reason)
}

func TestTaskEqualityIgnoresStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := FromObject(map[string]interface{}{"cmd": "x", "inputs": []interface{}{"/a"}}, fs)
	require.NoError(t, err)
	b, err := FromObject(map[string]interface{}{"cmd": "x", "inputs": []interface{}{"/a"}}, fs)
	require.NoError(t, err)
	b.Status = status.TaskRunning

	assert.True(t, a.Equal(b))
}
