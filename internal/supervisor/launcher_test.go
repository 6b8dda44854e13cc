package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellLauncher(t *testing.T, script string) *ExecLauncher {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	l, err := NewExecLauncher(ExecOptions{Executable: "/bin/sh", Args: []string{"-c", script}})
	require.NoError(t, err)
	return l
}

func TestExecLauncherDefaultArgs(t *testing.T) {
	t.Parallel()

	l, err := NewExecLauncher(ExecOptions{Executable: "/usr/local/bin/republisher", ConfigPath: "/etc/republisher.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/republisher", l.executable)
	assert.Equal(t, []string{"worker", "--config", "/etc/republisher.yaml"}, l.args)

	l, err = NewExecLauncher(ExecOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, l.executable)
	assert.Equal(t, []string{"worker"}, l.args)
}

func TestExecProcessExits(t *testing.T) {
	t.Parallel()

	p, err := shellLauncher(t, "exit 0").Launch(context.Background())
	require.NoError(t, err)
	assert.Positive(t, p.PID())
	require.Eventually(t, p.Exited, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Terminate(time.Second))
}

func TestExecProcessTerminate(t *testing.T) {
	t.Parallel()

	p, err := shellLauncher(t, "sleep 30").Launch(context.Background())
	require.NoError(t, err)
	assert.False(t, p.Exited())

	require.NoError(t, p.Terminate(2*time.Second))
	assert.True(t, p.Exited())
}

func TestExecProcessKillAfterGrace(t *testing.T) {
	t.Parallel()

	p, err := shellLauncher(t, `trap "" TERM; sleep 30`).Launch(context.Background())
	require.NoError(t, err)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(200*time.Millisecond))
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)
}
