package procutil

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDAlive_Self(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-1))
}

func TestKillGroup_TerminatesChildren(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pgid := cmd.Process.Pid
	assert.True(t, GroupAlive(pgid))

	require.NoError(t, KillGroup(pgid))
	_ = cmd.Wait()

	assert.Eventually(t, func() bool { return !GroupAlive(pgid) }, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, KillGroup(pgid), "killing a vanished group is not an error")
}
