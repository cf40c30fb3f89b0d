package backend

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
)

const (
	// DefaultCalibrationBytes is the probe size used when none is configured.
	DefaultCalibrationBytes = 1 << 20

	// CalibrationContainer is the reserved namespace probe fragments are
	// written to. It never holds user data.
	CalibrationContainer = ".calibration"
)

// Calibrate measures b by writing, reading back and destroying a probe
// fragment of n bytes, preceded by a one-byte probe for latency.
func Calibrate(ctx context.Context, b Backend, n int64) (perf.Estimate, error) {
	if n <= 0 {
		n = DefaultCalibrationBytes
	}

	small, err := probe(ctx, b, 1)
	if err != nil {
		return perf.Estimate{}, err
	}
	large, err := probe(ctx, b, n)
	if err != nil {
		return perf.Estimate{}, err
	}

	latency := small / 2
	transfer := large/2 - latency
	if transfer < time.Microsecond {
		transfer = time.Microsecond
	}
	return perf.Estimate{
		Throughput: float64(n) / transfer.Seconds(),
		Latency:    latency,
		Updated:    time.Now().UTC(),
	}, nil
}

// probe returns the combined duration of a write and a read of n bytes.
func probe(ctx context.Context, b Backend, n int64) (time.Duration, error) {
	payload := bytes.Repeat([]byte{0xA5}, int(n))
	f := &model.Fragment{
		Container: CalibrationContainer,
		Dataset:   "probe",
		ID:        uuid.NewString(),
		Region:    model.NewRegion([]uint64{0}, []uint64{uint64(n)}),
		Data:      payload,
	}

	start := time.Now()
	if err := b.FragmentCreate(ctx, f); err != nil {
		return 0, fmt.Errorf("calibration write: %w", err)
	}
	defer b.FragmentDestroy(context.WithoutCancel(ctx), f) //nolint:errcheck

	got, err := b.FragmentRetrieve(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("calibration read: %w", err)
	}
	elapsed := time.Since(start)
	if int64(len(got)) != n {
		return 0, fmt.Errorf("%w: calibration read returned %d of %d bytes", model.ErrIOFailure, len(got), n)
	}
	return elapsed, nil
}

// HintEstimate derives a seed from the backend's own PerformanceEstimate.
// It reports false when the backend offers no usable opinion.
func HintEstimate(b Backend, n int64) (perf.Estimate, bool) {
	if n <= 0 {
		n = DefaultCalibrationBytes
	}
	base := b.PerformanceEstimate(0)
	full := b.PerformanceEstimate(n)
	if base < 0 || full <= base {
		return perf.Estimate{}, false
	}
	return perf.Estimate{
		Throughput: float64(n) / (full - base).Seconds(),
		Latency:    base,
		Updated:    time.Now().UTC(),
	}, true
}
