package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"invisibleface/logging"
	"invisibleface/models"
	"invisibleface/packing"
	"invisibleface/params"
	"invisibleface/storage"
	"invisibleface/transform"
)

// ErrNoFeatures is returned by Run when there is nothing to enroll.
var ErrNoFeatures = errors.New("no features to enroll")

// Encryptor is the part of the homomorphic scheme enrollment needs.
type Encryptor interface {
	Encrypt(value *big.Int) ([]byte, error)
	PlaintextModulus() *big.Int
}

// Decryptor recovers packed integers from ciphertexts.
type Decryptor interface {
	Decrypt(ciphertext []byte) (*big.Int, error)
}

// Options configure a Pipeline. They are copied at construction.
type Options struct {
	Params *params.SecurityParams
	// Workers bounds concurrent enrollments; zero means runtime.NumCPU().
	Workers int
	// Limit caps the number of features Run enrolls; zero means no cap.
	Limit int
	// Random overrides the secure random source, for tests only.
	Random io.Reader
}

// Pipeline turns normalized features into enrollment records.
type Pipeline struct {
	params    *params.SecurityParams
	generator *transform.Generator
	encryptor Encryptor
	store     storage.RecordStore
	metrics   *MetricsCollector
	logger    logging.Logger
	workers   int
	limit     int
	next      atomic.Int64
}

func NewPipeline(opts Options, encryptor Encryptor, store storage.RecordStore, logger logging.Logger, metrics *MetricsCollector) (*Pipeline, error) {
	if opts.Params == nil {
		return nil, &models.ConfigError{Field: "params", Reason: "security parameters are required"}
	}
	if opts.Workers < 0 {
		return nil, &models.ConfigError{Field: "workers", Reason: fmt.Sprintf("must not be negative, got %d", opts.Workers)}
	}
	if opts.Limit < 0 {
		return nil, &models.ConfigError{Field: "limit", Reason: fmt.Sprintf("must not be negative, got %d", opts.Limit)}
	}
	if encryptor == nil || encryptor.PlaintextModulus() == nil {
		return nil, errors.New("an encryptor with a public key is required")
	}
	if store == nil {
		return nil, errors.New("a record store is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if metrics == nil {
		metrics = NewMetricsCollector(nil)
	}

	workers := opts.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	p := &Pipeline{
		params:    opts.Params,
		generator: transform.NewGenerator(opts.Random),
		encryptor: encryptor,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		workers:   workers,
		limit:     opts.Limit,
	}

	next, err := store.NextIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read next record index: %w", err)
	}
	p.next.Store(int64(next))

	modulus := encryptor.PlaintextModulus()
	worst := packing.MaxPacked(opts.Params)
	if worst.Cmp(modulus) >= 0 {
		logger.Warn(context.Background(), "worst-case packed integer exceeds the plaintext modulus; records may fail with range errors",
			"packed_bits", worst.BitLen(),
			"modulus_bits", modulus.BitLen(),
			"params", opts.Params.String(),
		)
	}

	return p, nil
}

// Params returns the security parameters the pipeline was built with.
func (p *Pipeline) Params() *params.SecurityParams {
	return p.params
}

// Metrics returns the pipeline's collector.
func (p *Pipeline) Metrics() *MetricsCollector {
	return p.metrics
}

// Enroll produces the record for one normalized feature. Fresh random
// parameters are drawn for every call and wiped before it returns.
func (p *Pipeline) Enroll(index int, feature []float64) (*models.EnrollmentRecord, models.RecordTiming, error) {
	var timing models.RecordTiming

	if err := transform.CheckDimension(len(feature), p.params.K); err != nil {
		return nil, timing, withIndex(err, index)
	}

	start := time.Now()
	rp, err := p.generator.Generate(p.params.K, p.params.L())
	if err != nil {
		return nil, timing, fmt.Errorf("failed to draw random parameters: %w", err)
	}
	defer rp.Wipe()

	res, err := transform.Apply(feature, rp, p.params)
	if err != nil {
		return nil, timing, withIndex(err, index)
	}
	w, err := packing.Quantize(res.LogW, p.params)
	if err != nil {
		return nil, timing, withIndex(err, index)
	}
	packed, err := packing.Pack(rp.U, rp.V, w, p.params)
	if err != nil {
		return nil, timing, withIndex(err, index)
	}
	rp.Wipe()
	timing.Transform = time.Since(start)

	start = time.Now()
	ciphertext, err := p.encryptor.Encrypt(packed)
	packed.SetInt64(0)
	if err != nil {
		return nil, timing, withIndex(err, index)
	}
	timing.Encrypt = time.Since(start)

	return &models.EnrollmentRecord{
		Index:      index,
		Descriptor: res.Descriptor,
		Ciphertext: ciphertext,
	}, timing, nil
}

// Submit enrolls a single feature at the next free index and stores it.
func (p *Pipeline) Submit(ctx context.Context, feature []float64) (*models.EnrollmentRecord, error) {
	if err := transform.CheckFeature(feature, p.params.K); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index := int(p.next.Add(1) - 1)
	rec, timing, err := p.Enroll(index, feature)
	if err != nil {
		p.metrics.RecordFailure(isRangeError(err))
		return nil, err
	}
	if err := p.store.SaveRecord(rec); err != nil {
		p.metrics.RecordFailure(false)
		return nil, fmt.Errorf("failed to store record %d: %w", index, err)
	}
	p.metrics.RecordEnrollment(timing.Transform, timing.Encrypt)
	p.logger.Debug(ctx, "record enrolled", "index", index, logging.Redacted("params"))
	return rec, nil
}

// Run enrolls a batch into an empty store, record i holding features[i].
// Every feature is validated before the first record is produced. Range
// failures are reported per record and leave a gap at their index; any other
// failure aborts the batch. Cancelling ctx stops the run between records;
// records already stored remain valid. Indexes up to the batch length are
// consumed either way, so later Submit calls never reuse them.
func (p *Pipeline) Run(ctx context.Context, features [][]float64) (*models.RunReport, error) {
	if len(features) == 0 {
		return nil, ErrNoFeatures
	}
	dim := len(features[0])
	for i, f := range features {
		if err := transform.CheckFeature(f, p.params.K); err != nil {
			return nil, withIndex(err, i)
		}
		if len(f) != dim {
			return nil, &models.DimensionError{Index: i, Length: len(f), Blocks: p.params.K}
		}
	}

	if p.limit > 0 && len(features) > p.limit {
		features = features[:p.limit]
	}

	if !p.next.CompareAndSwap(0, int64(len(features))) {
		return nil, fmt.Errorf("batch indexes start at 0 but the store already holds records up to index %d: %w",
			p.next.Load()-1, storage.ErrRecordExists)
	}

	rb := &reportBuilder{report: models.RunReport{
		RunID:     uuid.New().String(),
		Requested: len(features),
	}}
	logger := p.logger.With("run_id", rb.report.RunID)
	logger.Info(ctx, "enrollment started", "features", len(features), "workers", p.workers, "params", p.params.String())

	start := time.Now()
	queue := NewRecordQueue(p.workers, func(ctx context.Context, job enrollJob) error {
		rec, timing, err := p.Enroll(job.index, job.feature)
		if err != nil {
			if isRangeError(err) {
				p.metrics.RecordFailure(true)
				rb.addFailure(job.index, err)
				logger.Warn(ctx, "record skipped", "index", job.index, "error", err)
				return nil
			}
			p.metrics.RecordFailure(false)
			return fmt.Errorf("record %d: %w", job.index, err)
		}
		if err := p.store.SaveRecord(rec); err != nil {
			return fmt.Errorf("failed to store record %d: %w", job.index, err)
		}
		p.metrics.RecordEnrollment(timing.Transform, timing.Encrypt)
		rb.addEnrolled(timing)
		return nil
	})

	err := queue.Process(ctx, features)
	report := rb.finish(time.Since(start), ctx.Err() != nil)
	if err != nil {
		logger.Error(ctx, "enrollment aborted", "error", err, "enrolled", report.Enrolled)
		return report, err
	}

	logger.Info(ctx, "enrollment finished",
		"enrolled", report.Enrolled,
		"failed", len(report.Failures),
		"canceled", report.Canceled,
		"duration", report.Elapsed,
		"transform_duration", report.TransformTotal,
		"encrypt_duration", report.EncryptTotal,
	)
	return report, nil
}

// Reconstruct recovers the normalized feature behind a record. It needs the
// private key and is the inverse of Enroll.
func Reconstruct(rec *models.EnrollmentRecord, dec Decryptor, sp *params.SecurityParams) ([]float64, error) {
	packed, err := dec.Decrypt(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.Index, err)
	}
	u, v, w, err := packing.Unpack(packed, sp)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.Index, err)
	}
	rp := transform.NewRandomParams(u, v)
	defer rp.Wipe()

	feature, err := transform.Invert(rec.Descriptor, rp, sp, packing.Dequantize(w, sp))
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.Index, err)
	}
	return feature, nil
}

func isRangeError(err error) bool {
	var rangeErr *models.EncryptionRangeError
	return errors.As(err, &rangeErr)
}

// withIndex attaches the record index to the typed errors that carry one.
func withIndex(err error, index int) error {
	var rangeErr *models.EncryptionRangeError
	if errors.As(err, &rangeErr) {
		rangeErr.Index = index
	}
	var dimErr *models.DimensionError
	if errors.As(err, &dimErr) {
		dimErr.Index = index
	}
	var featErr *models.InvalidFeatureError
	if errors.As(err, &featErr) {
		featErr.Index = index
	}
	return err
}

type reportBuilder struct {
	mu     sync.Mutex
	report models.RunReport
}

func (rb *reportBuilder) addEnrolled(timing models.RecordTiming) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.report.Enrolled++
	rb.report.TransformTotal += timing.Transform
	rb.report.EncryptTotal += timing.Encrypt
}

func (rb *reportBuilder) addFailure(index int, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.report.Failures = append(rb.report.Failures, models.RecordFailure{Index: index, Error: err.Error()})
}

func (rb *reportBuilder) finish(elapsed time.Duration, canceled bool) *models.RunReport {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	sort.Slice(rb.report.Failures, func(i, j int) bool {
		return rb.report.Failures[i].Index < rb.report.Failures[j].Index
	})
	rb.report.Elapsed = elapsed
	rb.report.Canceled = canceled
	report := rb.report
	return &report
}
