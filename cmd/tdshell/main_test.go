package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/trackdisk/pkg/trackdisk"
)

func newTestREPL(t *testing.T) (*REPL, *bytes.Buffer) {
	t.Helper()

	cfg := trackdisk.DefaultConfig()
	cfg.CacheBytes = 1 << 20

	dev, err := trackdisk.New(trackdisk.Options{Config: &cfg})
	require.NoError(t, err)

	t.Cleanup(func() { _ = dev.Close() })

	var out bytes.Buffer

	return &REPL{dev: dev, out: &out}, &out
}

func Test_Exec_Drives_Unit_Through_Insert_Write_Read(t *testing.T) {
	t.Parallel()

	r, out := newTestREPL(t)
	path := filepath.Join(t.TempDir(), "work.adf")

	require.NoError(t, r.Exec("create", []string{path}))
	require.NoError(t, r.Exec("start", []string{"0"}))
	require.NoError(t, r.Exec("insert", []string{"0", path, "cache"}))
	require.NoError(t, r.Exec("write", []string{"0", "0x400", "hello", "floppy"}))
	require.NoError(t, r.Exec("update", []string{"0"}))

	out.Reset()
	require.NoError(t, r.Exec("read", []string{"0", "1024", "512"}))
	assert.Contains(t, out.String(), "hello floppy")

	out.Reset()
	require.NoError(t, r.Exec("status", nil))
	assert.Contains(t, out.String(), "unit 0: DD running "+path)
	assert.Contains(t, out.String(), "cache:")

	require.NoError(t, r.Exec("eject", []string{"0", "1s"}))

	out.Reset()
	require.NoError(t, r.Exec("status", []string{"0"}))
	assert.Contains(t, out.String(), "(empty, changes=2)")
}

func Test_Exec_Reports_Device_Errors_With_Codes(t *testing.T) {
	t.Parallel()

	r, _ := newTestREPL(t)

	require.NoError(t, r.Exec("start", nil))

	err := r.Exec("read", []string{"0", "0", "512"})
	require.ErrorIs(t, err, trackdisk.ErrNoMediumPresent)
	assert.Equal(t, trackdisk.CodeNoMediumPresent, trackdisk.CodeOf(err))

	err = r.Exec("seek", []string{"0", "7"})
	require.ErrorIs(t, err, trackdisk.ErrBadAddress)
}

func Test_Exec_Rejects_Malformed_Arguments(t *testing.T) {
	t.Parallel()

	r, _ := newTestREPL(t)

	tests := []struct {
		cmd  string
		args []string
	}{
		{cmd: "bogus"},
		{cmd: "stop"},
		{cmd: "read", args: []string{"x", "0", "1"}},
		{cmd: "motor", args: []string{"0", "sideways"}},
		{cmd: "create", args: []string{"a.adf", "ed"}},
		{cmd: "insert", args: []string{"0", "a.adf", "turbo"}},
		{cmd: "budget", args: []string{"-5"}},
	}

	for _, tt := range tests {
		err := r.Exec(tt.cmd, tt.args)
		require.ErrorIs(t, err, errUsage, "%s %v", tt.cmd, tt.args)
	}
}

func Test_Exec_Motor_Reports_Previous_State(t *testing.T) {
	t.Parallel()

	r, out := newTestREPL(t)
	path := filepath.Join(t.TempDir(), "m.adf")

	require.NoError(t, r.Exec("create", []string{path, "hd"}))
	require.NoError(t, r.Exec("start", []string{"any"}))
	require.NoError(t, r.Exec("insert", []string{"0", path}))

	out.Reset()
	require.NoError(t, r.Exec("motor", []string{"0", "on"}))
	require.NoError(t, r.Exec("motor", []string{"0", "off"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"motor was off", "motor was on"}, lines)
}

func Test_Completer_Matches_Command_Prefixes(t *testing.T) {
	t.Parallel()

	assert.ElementsMatch(t, []string{"seek", "status", "start", "stop", "stats"}, completer("s"))
	assert.Empty(t, completer("zz"))
}

func Test_Exec_Create_Refuses_Existing_Image(t *testing.T) {
	t.Parallel()

	r, _ := newTestREPL(t)
	path := filepath.Join(t.TempDir(), "dup.adf")

	require.NoError(t, r.Exec("create", []string{path}))
	require.ErrorIs(t, r.Exec("create", []string{path}), errUsage)
}

func Test_StartUnits_Starts_Numbered_Units(t *testing.T) {
	t.Parallel()

	r, _ := newTestREPL(t)

	require.NoError(t, startUnits(r.dev, 3))

	st, err := r.dev.QueryUnitStatus(trackdisk.AllUnits)
	require.NoError(t, err)
	require.Len(t, st, 3)

	nums := make([]int, 0, len(st))
	for _, s := range st {
		nums = append(nums, s.Unit)
	}

	assert.ElementsMatch(t, []int{0, 1, 2}, nums)

	require.NoError(t, startUnits(r.dev, 2))

	st, err = r.dev.QueryUnitStatus(trackdisk.AllUnits)
	require.NoError(t, err)
	assert.Len(t, st, 3, "running units are reused")
}
