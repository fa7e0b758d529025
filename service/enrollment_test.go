package service

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"invisibleface/encryption"
	"invisibleface/models"
	"invisibleface/params"
	"invisibleface/storage"
)

const testKeyBits = 512

var (
	testKeyOnce sync.Once
	testKey     *encryption.PaillierAdapter
	testKeyErr  error
)

func testScheme(t *testing.T) *encryption.PaillierAdapter {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey = encryption.NewPaillierAdapter(testKeyBits, nil, nil)
		testKeyErr = testKey.Initialize()
	})
	require.NoError(t, testKeyErr)
	return testKey
}

func testParams(t *testing.T, k, keySize int) *params.SecurityParams {
	t.Helper()
	sp, err := params.Derive(k, keySize)
	require.NoError(t, err)
	return sp
}

func testFeatures(n, dim int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		f := make([]float64, dim)
		for j := range f {
			f[j] = float64((i+1)*(j+3)%7) - 3
		}
		f[i%dim] += 0.5
		floats.Scale(1/floats.Norm(f, 2), f)
		out[i] = f
	}
	return out
}

func newTestPipeline(t *testing.T, opts Options, enc Encryptor) (*Pipeline, storage.RecordStore) {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p, err := NewPipeline(opts, enc, store, nil, nil)
	require.NoError(t, err)
	return p, store
}

// flakyEncryptor reports a range error on the calls listed in fail.
type flakyEncryptor struct {
	inner Encryptor
	calls atomic.Int64
	fail  map[int64]bool
}

func (f *flakyEncryptor) Encrypt(v *big.Int) ([]byte, error) {
	n := f.calls.Add(1) - 1
	if f.fail[n] {
		return nil, &models.EncryptionRangeError{Reason: models.ReasonPlaintextModulus}
	}
	return f.inner.Encrypt(v)
}

func (f *flakyEncryptor) PlaintextModulus() *big.Int {
	return f.inner.PlaintextModulus()
}

type brokenEncryptor struct {
	inner Encryptor
}

func (b *brokenEncryptor) Encrypt(*big.Int) ([]byte, error) {
	return nil, errors.New("device unavailable")
}

func (b *brokenEncryptor) PlaintextModulus() *big.Int {
	return b.inner.PlaintextModulus()
}

func TestRunEnrollsAndReconstructs(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	p, store := newTestPipeline(t, Options{Params: sp, Workers: 3}, scheme)

	features := testFeatures(6, 8)
	report, err := p.Run(context.Background(), features)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 6, report.Requested)
	assert.Equal(t, 6, report.Enrolled)
	assert.Empty(t, report.Failures)
	assert.False(t, report.Canceled)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	for i, f := range features {
		rec, err := store.LoadRecord(i)
		require.NoError(t, err)
		assert.Equal(t, i, rec.Index)
		assert.Len(t, rec.Descriptor, 8)
		assert.InDelta(t, 1.0, floats.Norm(rec.Descriptor, 2), 1e-9)

		got, err := Reconstruct(rec, scheme, sp)
		require.NoError(t, err)
		assert.InDeltaSlice(t, f, got, 1e-6)
	}

	m := p.Metrics().GetMetrics()
	assert.Equal(t, 6, m.Enrolled)
	assert.Zero(t, m.Failed)
}

func TestEnrollIsRandomizedPerRecord(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	p, _ := newTestPipeline(t, Options{Params: sp, Workers: 1}, scheme)

	f := testFeatures(1, 4)[0]
	a, _, err := p.Enroll(0, f)
	require.NoError(t, err)
	b, _, err := p.Enroll(1, f)
	require.NoError(t, err)

	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotEqual(t, a.Descriptor, b.Descriptor)
}

func TestRunIsolatesRangeErrors(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	enc := &flakyEncryptor{inner: scheme, fail: map[int64]bool{1: true}}
	p, store := newTestPipeline(t, Options{Params: sp, Workers: 1}, enc)

	report, err := p.Run(context.Background(), testFeatures(3, 4))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Enrolled)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 1, report.Failures[0].Index)
	assert.Contains(t, report.Failures[0].Error, models.ReasonPlaintextModulus)

	_, err = store.LoadRecord(1)
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
	_, err = store.LoadRecord(2)
	assert.NoError(t, err)
}

func TestRunWithUndersizedKey(t *testing.T) {
	// Parameters sized for a 1024-bit modulus never fit a 512-bit key.
	scheme := testScheme(t)
	sp := testParams(t, 4, 1024)
	p, _ := newTestPipeline(t, Options{Params: sp, Workers: 2}, scheme)

	report, err := p.Run(context.Background(), testFeatures(4, 4))
	require.NoError(t, err)
	assert.Zero(t, report.Enrolled)
	require.Len(t, report.Failures, 4)
	for i, f := range report.Failures {
		assert.Equal(t, i, f.Index)
	}

	var rangeErr *models.EncryptionRangeError
	_, _, err = p.Enroll(9, testFeatures(1, 4)[0])
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 9, rangeErr.Index)
	assert.Equal(t, models.ReasonPlaintextModulus, rangeErr.Reason)
}

func TestRunAbortsOnOtherErrors(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	p, _ := newTestPipeline(t, Options{Params: sp, Workers: 2}, &brokenEncryptor{inner: scheme})

	report, err := p.Run(context.Background(), testFeatures(5, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unavailable")
	require.NotNil(t, report)
	assert.Zero(t, report.Enrolled)
}

func TestRunValidatesDimensionsFirst(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)

	cases := []struct {
		name     string
		features [][]float64
		index    int
		length   int
	}{
		{"not divisible", append(testFeatures(2, 4), make([]float64, 5)), 2, 5},
		{"empty", append(testFeatures(1, 4), []float64{}), 1, 0},
		{"non uniform", append(testFeatures(2, 4), testFeatures(1, 8)...), 2, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, store := newTestPipeline(t, Options{Params: sp}, scheme)

			_, err := p.Run(context.Background(), tc.features)
			var dimErr *models.DimensionError
			require.ErrorAs(t, err, &dimErr)
			assert.Equal(t, tc.index, dimErr.Index)
			assert.Equal(t, tc.length, dimErr.Length)

			n, err := store.Count()
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}

	p, _ := newTestPipeline(t, Options{Params: sp}, scheme)
	_, err := p.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoFeatures)
}

func TestRunRejectsDegenerateFeaturesFirst(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)

	cases := map[string][]float64{
		"zero": make([]float64, 4),
		"nan":  {0.5, math.NaN(), 0.5, 0.5},
		"inf":  {0.5, 0.5, math.Inf(1), 0.5},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			p, store := newTestPipeline(t, Options{Params: sp, Workers: 1}, scheme)

			_, err := p.Run(context.Background(), append(testFeatures(3, 4), bad))
			var featErr *models.InvalidFeatureError
			require.ErrorAs(t, err, &featErr)
			assert.Equal(t, 3, featErr.Index)

			n, err := store.Count()
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestSubmitSkipsIndexesLeftByRun(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	enc := &flakyEncryptor{inner: scheme, fail: map[int64]bool{1: true}}
	p, err := NewPipeline(Options{Params: sp, Workers: 1}, enc, store, nil, nil)
	require.NoError(t, err)
	report, err := p.Run(context.Background(), testFeatures(3, 4))
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	last, err := store.LoadRecord(2)
	require.NoError(t, err)

	// Same pipeline: the gap at index 1 and the batch range stay reserved.
	rec, err := p.Submit(context.Background(), testFeatures(1, 4)[0])
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Index)

	// Fresh pipeline over the same store: continues past the highest index
	// even though only three records are stored.
	p, err = NewPipeline(Options{Params: sp}, scheme, store, nil, nil)
	require.NoError(t, err)
	rec, err = p.Submit(context.Background(), testFeatures(1, 4)[0])
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Index)

	got, err := store.LoadRecord(2)
	require.NoError(t, err)
	assert.Equal(t, last, got)

	_, err = store.LoadRecord(1)
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestRunRefusesNonEmptyStore(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	p, store := newTestPipeline(t, Options{Params: sp}, scheme)

	_, err := p.Submit(context.Background(), testFeatures(1, 4)[0])
	require.NoError(t, err)
	before, err := store.LoadRecord(0)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), testFeatures(2, 4))
	assert.ErrorIs(t, err, storage.ErrRecordExists)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	after, err := store.LoadRecord(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunLimit(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	p, store := newTestPipeline(t, Options{Params: sp, Limit: 2}, scheme)

	report, err := p.Run(context.Background(), testFeatures(5, 4))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, 2, report.Enrolled)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunCanceled(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	p, store := newTestPipeline(t, Options{Params: sp}, scheme)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := p.Run(ctx, testFeatures(4, 4))
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.Zero(t, report.Enrolled)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitContinuesAfterStoredRecords(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	dir := t.TempDir()

	store, err := storage.NewJSONStore(dir)
	require.NoError(t, err)
	p, err := NewPipeline(Options{Params: sp}, scheme, store, nil, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), testFeatures(3, 4))
	require.NoError(t, err)

	p, err = NewPipeline(Options{Params: sp}, scheme, store, nil, nil)
	require.NoError(t, err)
	rec, err := p.Submit(context.Background(), testFeatures(1, 4)[0])
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Index)

	_, err = p.Submit(context.Background(), make([]float64, 6))
	var dimErr *models.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, -1, dimErr.Index)
}

func TestNewPipelineRejectsBadOptions(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	var cfgErr *models.ConfigError
	_, err = NewPipeline(Options{}, scheme, store, nil, nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "params", cfgErr.Field)

	_, err = NewPipeline(Options{Params: sp, Limit: -1}, scheme, store, nil, nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "limit", cfgErr.Field)

	_, err = NewPipeline(Options{Params: sp}, nil, store, nil, nil)
	assert.Error(t, err)

	_, err = NewPipeline(Options{Params: sp}, scheme, nil, nil, nil)
	assert.Error(t, err)
}

func TestPipelineMetrics(t *testing.T) {
	scheme := testScheme(t)
	sp := testParams(t, 4, testKeyBits)
	reg := prometheus.NewRegistry()
	metrics := NewMetricsCollector(reg)

	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	enc := &flakyEncryptor{inner: scheme, fail: map[int64]bool{0: true}}
	p, err := NewPipeline(Options{Params: sp, Workers: 1}, enc, store, nil, metrics)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), testFeatures(3, 4))
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.records.WithLabelValues(outcomeEnrolled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.records.WithLabelValues(outcomeRangeFailed)))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.stageDuration))

	m := metrics.GetMetrics()
	assert.Equal(t, 2, m.Enrolled)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 2, m.Encrypt.Count)
	assert.False(t, m.StartTime.IsZero())

	metrics.Reset()
	assert.Zero(t, metrics.GetMetrics().Enrolled)
}

func TestRecordQueueProcessesAll(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	q := NewRecordQueue(4, func(_ context.Context, job enrollJob) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.index] = true
		return nil
	})

	require.NoError(t, q.Process(context.Background(), make([][]float64, 50)))
	assert.Len(t, seen, 50)
}

func TestRecordQueueStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var handled atomic.Int64
	q := NewRecordQueue(1, func(_ context.Context, job enrollJob) error {
		handled.Add(1)
		if job.index == 2 {
			return boom
		}
		return nil
	})

	err := q.Process(context.Background(), make([][]float64, 20))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), handled.Load())
}
