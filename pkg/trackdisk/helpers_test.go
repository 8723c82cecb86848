package trackdisk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/trackdisk/internal/testutil"
	"github.com/calvinalkan/trackdisk/pkg/fs"
	"github.com/calvinalkan/trackdisk/pkg/trackdisk"
)

const (
	trackDD = testutil.TrackDD
	mib     = 1 << 20
)

type harness struct {
	dev   *trackdisk.Device
	chaos *fs.Chaos
	dir   string
}

// newHarness returns a device over a counting, fault-injecting FS. mutate may
// adjust the default config before the device is created.
func newHarness(t *testing.T, mutate func(*trackdisk.Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	cfg := trackdisk.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{TraceCapacity: 64})

	dev, err := trackdisk.New(trackdisk.Options{FS: chaos, Config: &cfg})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("close device: %v", err)
		}
	})

	return &harness{dev: dev, chaos: chaos, dir: dir}
}

func (h *harness) start(t *testing.T, unit int) int {
	t.Helper()

	n, err := h.dev.StartUnit(trackdisk.StartOptions{Unit: unit})
	require.NoError(t, err)

	return n
}

// image writes a patterned DD image and returns its path.
func (h *harness) image(t *testing.T, name string, seed byte) (string, *testutil.Image) {
	t.Helper()

	im := testutil.NewDD().Pattern(seed)

	return im.WriteFile(t, h.dir, name), im
}

func (h *harness) insert(t *testing.T, unit int, opts trackdisk.InsertOptions) {
	t.Helper()

	require.NoError(t, h.dev.InsertMedium(t.Context(), unit, opts))
}

// startWithImage starts unit 0, inserts a fresh patterned image and resets the
// I/O counters.
func (h *harness) startWithImage(t *testing.T, opts trackdisk.InsertOptions) (int, string, *testutil.Image) {
	t.Helper()

	unit := h.start(t, 0)

	path, im := h.image(t, "disk.adf", 3)
	opts.Path = path
	h.insert(t, unit, opts)
	h.chaos.ResetCounts()

	return unit, path, im
}

func (h *harness) status(t *testing.T, unit int) trackdisk.UnitStatus {
	t.Helper()

	st, err := h.dev.QueryUnitStatus(unit)
	require.NoError(t, err)
	require.Len(t, st, 1)

	return st[0]
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), d)
	t.Cleanup(cancel)

	return ctx
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}

	return out
}
