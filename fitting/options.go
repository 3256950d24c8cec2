package fitting

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/binzume/dressfit/geom"
)

// Stage names passed to ProgressFunc.
const (
	StageLoad      = "load"
	StageSkeleton  = "skeleton"
	StageScale     = "scale"
	StageLocal     = "local_scale"
	StageAlign     = "align"
	StageIK        = "ik"
	StagePropagate = "propagate"
	StageMorph     = "morph"
	StageWrite     = "write"
)

// ProgressFunc is called synchronously at stage boundaries.
type ProgressFunc func(stage string, index, total int)

type Options struct {
	CharacterPath string
	DressPath     string
	MotionPath    string
	OutputPath    string

	// Material alphas by material name. Missing materials are visible.
	CharacterAlphas map[string]float64
	DressAlphas     map[string]float64

	// Bone adjustments by adjustment group name.
	Scale       map[string]*geom.Vector3
	Rotation    map[string]*geom.Vector3
	Translation map[string]*geom.Vector3

	// IKDamping is the fraction of a forward knee/elbow residual applied. Default 0.25.
	IKDamping float64

	Logger   *slog.Logger
	Progress ProgressFunc
}

func (opt *Options) logger() *slog.Logger {
	if opt == nil || opt.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return opt.Logger
}

func (opt *Options) ikDamping() float64 {
	if opt == nil || opt.IKDamping <= 0 {
		return 0.25
	}
	return opt.IKDamping
}

type runner struct {
	ctx      context.Context
	log      *slog.Logger
	progress ProgressFunc
}

func newRunner(ctx context.Context, opt *Options) *runner {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &runner{ctx: ctx, log: opt.logger()}
	if opt != nil {
		r.progress = opt.Progress
	}
	return r
}

// step reports progress and checks for cancellation.
func (r *runner) step(stage string, index, total int) error {
	if r.progress != nil {
		r.progress(stage, index, total)
	}
	return r.checkCancel()
}

func (r *runner) checkCancel() error {
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

func (r *runner) every(i int) error {
	if i%100 != 0 {
		return nil
	}
	return r.checkCancel()
}
