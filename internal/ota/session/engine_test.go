package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/fota/internal/ota/hash"
	"github.com/autopeer-io/fota/internal/ota/ledger"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/internal/ota/report"
	"github.com/autopeer-io/fota/internal/ota/scheduler"
	"github.com/autopeer-io/fota/internal/ota/transport"
)

var macKey = []byte("device-secret")

const (
	imageSize = 32768
	chunkSize = 1024
	capacity  = 64 * 1024
)

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i>>8)
	}
	return b
}

// fakeServer is a scriptable update server.
type fakeServer struct {
	mu sync.Mutex

	image     []byte
	chunkSize uint32
	version   string
	digest    *hash.Digest

	// answers queues the index served for a request; empty means serve
	// what was asked
	answers map[uint32][]uint32
	badMAC  map[uint32]int
	// remaining network failures per chunk, -1 for always
	failing map[uint32]int

	manifestGate chan struct{}
	manifestErr  error
	pause        *scheduler.PauseToken

	manifests     int
	requests      []uint32
	acks          []transport.Ack
	pausedOnFetch []bool
}

func (f *fakeServer) FetchManifest(ctx context.Context, current string) (*transport.Manifest, error) {
	if f.manifestGate != nil {
		select {
		case <-f.manifestGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests++
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}

	digest := sha256.Sum256(f.image)
	if f.digest != nil {
		digest = *f.digest
	}
	return &transport.Manifest{
		Version:   f.version,
		TotalSize: uint32(len(f.image)),
		ChunkSize: f.chunkSize,
		SHA256:    digest,
	}, nil
}

func (f *fakeServer) FetchChunk(_ context.Context, m *transport.Manifest, index uint32) (*transport.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, index)
	if f.pause != nil {
		f.pausedOnFetch = append(f.pausedOnFetch, f.pause.Paused())
	}

	if n := f.failing[index]; n != 0 {
		if n > 0 {
			f.failing[index]--
		}
		return nil, fmt.Errorf("%w: connection reset", transport.ErrNetwork)
	}

	serve := index
	if q := f.answers[index]; len(q) > 0 {
		serve, f.answers[index] = q[0], q[1:]
	}

	start := serve * f.chunkSize
	end := min(start+f.chunkSize, uint32(len(f.image)))
	payload := append([]byte(nil), f.image[start:end]...)
	tag := transport.Sign(macKey, payload)
	if f.badMAC[serve] > 0 {
		f.badMAC[serve]--
		tag[0] ^= 0xff
	}
	return &transport.Chunk{Index: serve, Payload: payload, MAC: &tag}, nil
}

func (f *fakeServer) Ack(_ context.Context, index uint32, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, transport.Ack{ChunkReceived: index, Verified: verified})
	return nil
}

// countingStore counts writes per offset and can fail SetBootTarget.
type countingStore struct {
	partition.Store

	mu            sync.Mutex
	writes        map[uint32]int
	setBootTarget error
}

func (c *countingStore) Write(l partition.Label, off uint32, p []byte) error {
	c.mu.Lock()
	c.writes[off]++
	c.mu.Unlock()
	return c.Store.Write(l, off, p)
}

func (c *countingStore) SetBootTarget(l partition.Label, img partition.Image) error {
	if c.setBootTarget != nil {
		return c.setBootTarget
	}
	return c.Store.SetBootTarget(l, img)
}

type reportSink struct {
	mu      sync.Mutex
	reports []report.Report
}

func (r *reportSink) Report(_ context.Context, rep report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *reportSink) last() report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return report.Report{}
	}
	return r.reports[len(r.reports)-1]
}

type fakeRebooter struct{ calls int }

func (f *fakeRebooter) Reboot(context.Context) error {
	f.calls++
	return nil
}

type harness struct {
	dir      string
	fs       afero.Fs
	slots    *partition.FileStore
	store    *countingStore
	ledger   *ledger.BadgerStore
	server   *fakeServer
	pause    *scheduler.PauseToken
	reports  *reportSink
	rebooter *fakeRebooter
	engine   *Engine
	cfg      Config
}

func newHarness(t *testing.T, image []byte, tweak ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		dir:      t.TempDir(),
		fs:       afero.NewMemMapFs(),
		pause:    scheduler.NewPauseToken(),
		reports:  &reportSink{},
		rebooter: &fakeRebooter{},
		cfg:      Config{DeviceID: "dev-1", Policy: PolicyLexical, ReorderWindow: 8, MaxDownloadRetries: 3},
	}
	h.server = &fakeServer{
		image:     image,
		chunkSize: chunkSize,
		version:   "1.0.4",
		answers:   map[uint32][]uint32{},
		badMAC:    map[uint32]int{},
		failing:   map[uint32]int{},
		pause:     h.pause,
	}

	var err error
	h.slots, err = partition.Open(partition.Config{Dir: h.dir, Fs: h.fs, Capacity: capacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.slots.Close() })
	h.store = &countingStore{Store: h.slots, writes: map[uint32]int{}}

	h.ledger, err = ledger.OpenBadger(ledger.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ledger.Close() })

	for _, fn := range tweak {
		fn(h)
	}

	policy := transport.RetryPolicy{Timeout: time.Second, MaxRetries: h.cfg.MaxDownloadRetries, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	h.engine, err = NewEngine(h.cfg, Deps{
		Machine:  NewFiniteStateMachine(StateIdle),
		Slots:    h.store,
		Ledger:   h.ledger,
		Fetcher:  transport.NewRetrier(h.server, policy, macKey),
		Pause:    h.pause,
		Reporter: h.reports,
		Rebooter: h.rebooter,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) loadLedger(t *testing.T) ledger.RollbackLedger {
	t.Helper()
	l, err := h.ledger.Load(context.Background())
	require.NoError(t, err)
	return l
}

func (h *harness) bootTarget() partition.Label {
	for _, s := range h.slots.Slots() {
		if s.BootTarget {
			return s.Label
		}
	}
	return ""
}

func sequence(from, to uint32) []uint32 {
	var s []uint32
	for i := from; i < to; i++ {
		s = append(s, i)
	}
	return s
}

func TestUpdateActivatesNewerImage(t *testing.T) {
	h := newHarness(t, testImage(imageSize))

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, 32, res.ChunksWritten)
	assert.Equal(t, sequence(0, 32), h.server.requests)

	assert.Equal(t, partition.SlotB, h.bootTarget())
	assert.True(t, h.slots.Trial())
	assert.Equal(t, "1.0.4", h.slots.InactiveSlot().Version)

	l := h.loadLedger(t)
	assert.True(t, l.PendingConfirmation)
	assert.Zero(t, l.BootAttempts)
	assert.Empty(t, l.FailureReason)

	assert.Equal(t, 1, h.rebooter.calls)
	assert.Equal(t, StateIdle, h.engine.State())
	assert.False(t, h.pause.Paused(), "pause released before reboot")
	assert.Equal(t, report.PhaseActivated, h.reports.last().Phase)

	for _, p := range h.server.pausedOnFetch {
		assert.True(t, p, "non-essential tasks are paused while downloading")
	}
}

func TestDigestMismatchNeverActivates(t *testing.T) {
	var wrong hash.Digest
	wrong[0] = 1
	h := newHarness(t, testImage(imageSize), func(h *harness) { h.server.digest = &wrong })

	res, err := h.engine.CheckOnce(context.Background())
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FaultIntegrity, f.Kind)
	assert.Equal(t, ScopeImage, f.Scope)
	assert.Equal(t, OutcomeAborted, res.Outcome)

	assert.Equal(t, partition.SlotA, h.bootTarget())
	assert.Equal(t, "1.0.3", h.slots.RunningSlot().Version)
	assert.Equal(t, partition.StateBad, h.slots.InactiveSlot().State)
	assert.False(t, h.slots.Trial())

	l := h.loadLedger(t)
	assert.False(t, l.PendingConfirmation)
	assert.Contains(t, l.FailureReason, "integrity")

	assert.Zero(t, h.rebooter.calls)
	assert.False(t, h.pause.Paused())
	assert.Equal(t, StateIdle, h.engine.State())
	last := h.reports.last()
	assert.Equal(t, report.PhaseAborted, last.Phase)
	assert.Equal(t, "1.0.3", last.Version)
	assert.False(t, last.Success)
}

func TestBadMACRefetchesOnlyThatChunk(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) { h.server.badMAC[5] = 1 })

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)

	want := append(sequence(0, 6), sequence(5, 32)...)
	assert.Equal(t, want, h.server.requests)
	for i := uint32(0); i < 32; i++ {
		assert.Equal(t, 1, h.store.writes[i*chunkSize], "chunk %d written once", i)
	}
	assert.Contains(t, h.server.acks, transport.Ack{ChunkReceived: 5, Verified: false})
}

func TestDuplicateChunkIsNoop(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) {
		h.server.answers[3] = []uint32{1, 2}
	})

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	// the running hash would be wrong if a duplicate were hashed twice
	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, 1, h.store.writes[1*chunkSize])
	assert.Equal(t, 1, h.store.writes[2*chunkSize])
	assert.Contains(t, h.server.acks, transport.Ack{ChunkReceived: 1, Verified: true})
}

func TestOutOfOrderChunksAreReassembled(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) {
		h.server.answers[2] = []uint32{4, 3}
	})

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
	for i := uint32(0); i < 32; i++ {
		assert.Equal(t, 1, h.store.writes[i*chunkSize], "chunk %d written once", i)
	}
	// 2 and 3 arrived while 2 was being asked for, so neither is requested again
	assert.Equal(t, append([]uint32{0, 1, 2, 2, 2}, sequence(5, 32)...), h.server.requests)
}

func TestChunkBeyondWindowIsDropped(t *testing.T) {
	h := newHarness(t, testImage(4*chunkSize), func(h *harness) {
		h.cfg.ReorderWindow = 2
		h.server.answers[0] = []uint32{3}
	})

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, 1, h.store.writes[3*chunkSize])
	assert.Contains(t, h.server.acks, transport.Ack{ChunkReceived: 3, Verified: false})
}

func TestNoPartialActivationUnderAnyArrivalOrder(t *testing.T) {
	var wrong hash.Digest
	scripts := []map[uint32][]uint32{
		{},
		{0: {1, 1, 2}},
		{4: {6, 5, 5, 7}},
		{0: {0}, 1: {0, 3, 2}},
	}
	for i, script := range scripts {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			h := newHarness(t, testImage(8*chunkSize), func(h *harness) {
				h.server.digest = &wrong
				h.server.answers = script
			})

			_, err := h.engine.CheckOnce(context.Background())
			require.Error(t, err)
			assert.Equal(t, partition.SlotA, h.bootTarget())
			assert.NotEqual(t, partition.StateBootable, h.slots.InactiveSlot().State)
		})
	}
}

func TestFaultBeforeBootTargetKeepsOriginalSlot(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) {
		h.store.setBootTarget = errors.New("injected power cut")
	})

	_, err := h.engine.CheckOnce(context.Background())
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FaultWrite, f.Kind)

	assert.Equal(t, partition.SlotA, h.bootTarget())
	assert.False(t, h.loadLedger(t).PendingConfirmation)
	assert.Zero(t, h.rebooter.calls)

	// reboot: the bootloader still picks the factory slot
	require.NoError(t, h.slots.Close())
	reopened, err := partition.Open(partition.Config{Dir: h.dir, Fs: h.fs, Capacity: capacity})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, partition.SlotA, reopened.RunningSlot().Label)
	assert.Equal(t, "1.0.3", reopened.RunningSlot().Version)
}

func TestNetworkExhaustionAborts(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) { h.server.failing[7] = -1 })

	_, err := h.engine.CheckOnce(context.Background())
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FaultNetwork, f.Kind)
	assert.Equal(t, uint32(7), f.Chunk)
	assert.ErrorIs(t, err, transport.ErrRetriesExhausted)

	// verified chunks stay written; only activation is withheld
	for i := uint32(0); i < 7; i++ {
		assert.Equal(t, 1, h.store.writes[i*chunkSize])
	}
	assert.Equal(t, partition.SlotA, h.bootTarget())
	assert.Equal(t, partition.StatePartial, h.slots.InactiveSlot().State)
	assert.False(t, h.pause.Paused())
}

func TestManifestFailureIsReported(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) {
		h.server.manifestErr = fmt.Errorf("%w: connection refused", transport.ErrNetwork)
	})

	res, err := h.engine.CheckOnce(context.Background())
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FaultNetwork, f.Kind)
	assert.ErrorIs(t, err, transport.ErrRetriesExhausted)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, int(h.cfg.MaxDownloadRetries)+1, h.server.manifests)

	require.Len(t, h.reports.reports, 1)
	rep := h.reports.last()
	assert.Equal(t, report.PhaseAborted, rep.Phase)
	assert.False(t, rep.Success)
	assert.Equal(t, "1.0.3", rep.Version)
	assert.Contains(t, rep.FailureReason, "connection refused")

	assert.Contains(t, h.loadLedger(t).FailureReason, "connection refused")
	assert.Equal(t, StateIdle, h.engine.State())
	assert.False(t, h.pause.Paused())
	assert.Empty(t, h.server.requests)
}

func TestWriteFaultAbortsAndMarksSlot(t *testing.T) {
	h := newHarness(t, testImage(capacity+chunkSize))

	_, err := h.engine.CheckOnce(context.Background())
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FaultWrite, f.Kind)
	assert.ErrorIs(t, err, partition.ErrWriteFault)
	assert.Equal(t, partition.StateBad, h.slots.InactiveSlot().State)
	assert.Equal(t, partition.SlotA, h.bootTarget())

	// the next attempt re-erases the slot before writing
	h.server.image = testImage(imageSize)
	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
}

func TestNotNewerIsNoop(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) { h.server.version = "1.0.3" })

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, res.Outcome)
	assert.Empty(t, h.server.requests)
	assert.Equal(t, StateIdle, h.engine.State())
}

func TestLexicalPolicyKeepsStringOrder(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) { h.server.version = "1.0.10" })

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, res.Outcome, `"1.0.10" sorts before "1.0.3"`)
}

func TestSemverPolicyComparesNumerically(t *testing.T) {
	h := newHarness(t, testImage(imageSize), func(h *harness) {
		h.server.version = "1.0.10"
		h.cfg.Policy = PolicySemver
	})

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
}

func TestFactoryResetSuspendsChecks(t *testing.T) {
	h := newHarness(t, testImage(imageSize))
	require.NoError(t, h.ledger.Save(context.Background(), ledger.RollbackLedger{
		FactoryResetRequired: true,
		ConsecutiveRollbacks: 3,
	}))

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuspended, res.Outcome)
	assert.Zero(t, h.server.manifests)
	assert.Equal(t, StateIdle, h.engine.State())
}

func TestPendingConfirmationDefersCheck(t *testing.T) {
	h := newHarness(t, testImage(imageSize))
	require.NoError(t, h.ledger.Save(context.Background(), ledger.RollbackLedger{PendingConfirmation: true}))

	res, err := h.engine.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Zero(t, h.server.manifests)
}

func TestOnlyOneCheckInFlight(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, testImage(imageSize), func(h *harness) {
		h.server.manifestGate = gate
		h.server.version = "1.0.3"
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.CheckOnce(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.engine.State() == StateCheckingManifest }, time.Second, time.Millisecond)

	_, err := h.engine.CheckOnce(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	require.NoError(t, <-done)
}

func TestMachineOutsideIdleRejectsCheck(t *testing.T) {
	h := newHarness(t, testImage(imageSize))
	require.NoError(t, h.engine.Machine.Fire(context.Background(), EventAwait))

	_, err := h.engine.CheckOnce(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, h.server.manifests)
}
