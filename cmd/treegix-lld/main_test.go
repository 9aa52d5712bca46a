package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webeonic/treegix-sub007/internal/ipc"
	"github.com/webeonic/treegix-sub007/internal/lld/manager"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
	"github.com/webeonic/treegix-sub007/internal/procs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores flag defaults; cobra keeps parsed values between
// Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// startManager runs a manager without workers on a socket in a temp dir
// and points the commands at it.
func startManager(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TREEGIX_SOCKET_DIR", dir)
	t.Setenv("TREEGIX_CONNECT_TIMEOUT", "2s")
	t.Setenv("TREEGIX_LOG_LEVEL", "error")

	svc, err := ipc.Listen(dir, protocol.ServiceName)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m := manager.New(manager.Config{Workers: 1, RecvTimeout: 50 * time.Millisecond})
	go func() {
		defer close(done)
		m.Run(ctx, svc)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		svc.Close()
	})
	return dir
}

func TestSubmitAndQueue(t *testing.T) {
	startManager(t)

	out, err := execute(t, "queue")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	out, err = execute(t, "submit", "--rule", "10", "--value", `{"data":[]}`)
	require.NoError(t, err)
	assert.Contains(t, out, "queued value for rule 10")

	require.Eventually(t, func() bool {
		out, err := execute(t, "queue")
		return err == nil && strings.TrimSpace(out) == "1"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitNothing(t *testing.T) {
	startManager(t)

	out, err := execute(t, "submit", "--rule", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to send")
}

func TestRuleAddAndList(t *testing.T) {
	t.Setenv("TREEGIX_STATE_DB", filepath.Join(t.TempDir(), "lld.db"))
	t.Setenv("TREEGIX_LOG_LEVEL", "error")

	_, err := execute(t, "rule", "add", "--id", "42", "--host", "web-01", "--key", "vfs.fs.discovery")
	require.NoError(t, err)

	out, err := execute(t, "rule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "web-01")
	assert.Contains(t, out, "vfs.fs.discovery")
	assert.Contains(t, out, "normal")
}

func TestReadValueFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lld.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"{#A}":"1"}]`), 0644))

	got, err := readValueFile(path)
	require.NoError(t, err)
	assert.Equal(t, `[{"{#A}":"1"}]`, got)

	_, err = readValueFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestReportUsageStops(t *testing.T) {
	mock := clock.NewMock()
	sup := procs.NewSupervisor(0, func(int) []string { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reportUsage(ctx, mock, sup, zap.NewNop(), time.Second)
	}()

	mock.Add(3 * time.Second)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reportUsage did not stop")
	}
}
