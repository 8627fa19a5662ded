package fotaagent

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/fota/internal/ota/ledger"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/internal/ota/session"
	"github.com/autopeer-io/fota/pkg/options"
)

type fakeHAL struct {
	reboots atomic.Int32
}

func (h *fakeHAL) DeviceID() string { return "" }

func (h *fakeHAL) Reboot(context.Context) error {
	h.reboots.Add(1)
	return nil
}

// updateServer never offers an update.
type updateServer struct {
	*httptest.Server
	manifests atomic.Int32
	reports   atomic.Int32
}

func newUpdateServer(t *testing.T) *updateServer {
	s := &updateServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fota/manifest":
			s.manifests.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case "/fota/report":
			s.reports.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

type testEnv struct {
	cfg    *Config
	fs     afero.Fs
	device *fakeHAL
	server *updateServer
}

func newTestEnv(t *testing.T) *testEnv {
	server := newUpdateServer(t)

	fota := options.NewFotaOptions()
	fota.DeviceID = "dev-1"
	fota.StateDir = t.TempDir()
	fota.SlotCapacity = 64 << 10
	fota.FactoryVersion = "1.0.0"
	fota.ChunkTimeout = time.Second

	httpOpts := options.NewHttpOptions()
	httpOpts.Server = server.URL

	diagOpts := options.NewDiagOptions()
	diagOpts.Enabled = false

	return &testEnv{
		cfg: &Config{
			FotaOptions: fota,
			HttpOptions: httpOpts,
			MqttOptions: options.NewMqttOptions(),
			S3Options:   options.NewS3Options(),
			DiagOptions: diagOpts,
		},
		fs:     afero.NewMemMapFs(),
		device: &fakeHAL{},
		server: server,
	}
}

func (e *testEnv) open(t *testing.T) *State {
	t.Helper()
	state, err := openState(e.cfg.FotaOptions, e.fs, true)
	require.NoError(t, err)
	return state
}

func (e *testEnv) agent(t *testing.T) *Agent {
	t.Helper()
	a, err := e.cfg.newAgent(e.device, e.open(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func start(t *testing.T, a *Agent) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		stop()
		require.NoError(t, <-done)
	}
}

func TestAgentChecksAtStartup(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t)
	stop := start(t, a)

	require.Eventually(t, func() bool {
		res := a.engine.LastResult()
		return res != nil && res.Outcome == session.OutcomeUpToDate
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, env.server.manifests.Load())
	assert.True(t, a.Ready())

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-1", st.DeviceID)
	assert.Equal(t, session.StateIdle, st.State)
	assert.Equal(t, "1.0.0", st.RunningVersion)
	assert.Len(t, st.Slots, 2)
	assert.False(t, st.Paused)
	assert.Nil(t, st.BrokerConnected)

	require.NoError(t, a.CheckNow())
	require.Eventually(t, func() bool { return env.server.manifests.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	stop()
	assert.False(t, a.Ready())
}

func TestClearFactoryResetResumesUpdates(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t)
	ctx := context.Background()

	require.NoError(t, a.state.Ledger.Save(ctx, ledger.RollbackLedger{
		ConsecutiveRollbacks: 3,
		FailureReason:        "boot: not confirmed within 5m0s",
		FactoryResetRequired: true,
	}))

	require.NoError(t, a.checkTask(ctx))
	assert.Equal(t, session.OutcomeSuspended, a.engine.LastResult().Outcome)
	assert.Zero(t, env.server.manifests.Load())

	require.NoError(t, a.machine.Fire(ctx, session.EventCheck))
	assert.ErrorIs(t, a.ClearFactoryReset(ctx), session.ErrBusy)
	require.NoError(t, a.machine.Fire(ctx, session.EventNoUpdate))

	require.NoError(t, a.ClearFactoryReset(ctx))
	l, err := a.state.Ledger.Load(ctx)
	require.NoError(t, err)
	assert.False(t, l.FactoryResetRequired)
	assert.Zero(t, l.ConsecutiveRollbacks)

	require.NoError(t, a.checkTask(ctx))
	assert.Equal(t, session.OutcomeUpToDate, a.engine.LastResult().Outcome)
	assert.EqualValues(t, 1, env.server.manifests.Load())
}

func TestSetCheckInterval(t *testing.T) {
	a := newTestEnv(t).agent(t)
	require.NoError(t, a.SetCheckInterval(time.Minute))
	assert.Error(t, a.SetCheckInterval(0))
}

func TestStateDirectoryIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	first := env.open(t)

	_, err := openState(env.cfg.FotaOptions, env.fs, true)
	require.ErrorIs(t, err, ledger.ErrLocked)

	require.NoError(t, first.Close())
	second := env.open(t)
	require.NoError(t, second.Close())
}

func TestTrialImageIsConfirmedOnceAgentIsUp(t *testing.T) {
	env := newTestEnv(t)

	// the previous run activated 1.1.0 and rebooted
	state := env.open(t)
	image := make([]byte, 4096)
	for i := range image {
		image[i] = byte(i * 7)
	}
	target := state.Slots.InactiveSlot().Label
	require.NoError(t, state.Slots.Erase(target))
	require.NoError(t, state.Slots.Write(target, 0, image))
	require.NoError(t, state.Slots.SetBootTarget(target, partition.Image{
		Version: "1.1.0",
		Size:    uint32(len(image)),
		Digest:  sha256.Sum256(image),
	}))
	require.NoError(t, state.Close())

	a := env.agent(t)
	assert.Equal(t, "1.1.0", a.state.Slots.RunningSlot().Version)
	stop := start(t, a)

	require.Eventually(t, func() bool {
		l, err := a.state.Ledger.Load(context.Background())
		return err == nil && l.LastGoodVersion == "1.1.0"
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, a.state.Slots.Trial())
	assert.Zero(t, env.device.reboots.Load())
	stop()
}
