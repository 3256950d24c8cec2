package fitting

import (
	"context"
	"fmt"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/mmd"
)

// Result holds the working copies and products of a fitting run.
type Result struct {
	Character *mmd.Document
	Dress     *mmd.Document
	Offsets   *Offsets
	// Motion is the fitting motion: frame 0 keyframes of the dress.
	Motion *deform.Motion
	// Clip is the optional motion given by the caller.
	Clip   *deform.Motion
	Output *mmd.Document
}

// Fit completes both skeletons and solves the dress offsets. The given models are not modified.
func Fit(ctx context.Context, character, dress *mmd.Document, clip *deform.Motion, opt *Options) (*Result, error) {
	r := newRunner(ctx, opt)
	if character == nil || dress == nil {
		return nil, ErrModelsNotLoaded
	}
	if common := commonStandardBones(character, dress); len(common) < 2 {
		return nil, ErrIncompatibleSkeletons
	}
	c, err := character.Copy()
	if err != nil {
		return nil, &InternalError{Detail: fmt.Sprintf("copy character: %v", err)}
	}
	d, err := dress.Copy()
	if err != nil {
		return nil, &InternalError{Detail: fmt.Sprintf("copy dress: %v", err)}
	}

	if err := r.completeSkeletons(c, d); err != nil {
		return nil, err
	}
	off, err := r.solve(c, d, clip, opt.ikDamping())
	if err != nil {
		return nil, err
	}

	if err := r.step(StageMorph, 0, 1); err != nil {
		return nil, err
	}
	AddTransparencyMorphs(c)
	AddTransparencyMorphs(d)
	AddAdjustmentMorphs(d)
	AddFittingMorph(d, off)
	AddRootAdjustMorph(c)
	AddRootAdjustMorph(d)

	motion := deform.NewMotion()
	motion.Name = FittingMorphName
	f := deform.NewFrame()
	off.Apply(d, f)
	for name, k := range f.Bones {
		motion.SetBone(name, k)
	}
	r.log.Info("fitting.solved", "bones", len(off.Bones()), "character", c.Name, "dress", d.Name)
	if err := r.step(StageMorph, 1, 1); err != nil {
		return nil, err
	}
	return &Result{Character: c, Dress: d, Offsets: off, Motion: motion, Clip: clip}, nil
}

// DressFrame returns the frame that poses the fitted dress, including bone adjustments.
func DressFrame(opt *Options) *deform.Frame {
	f := deform.NewFrame()
	f.Morphs[FittingMorphName] = 1
	if opt != nil {
		for name, v := range AdjustmentRatios(opt.Scale, opt.Rotation, opt.Translation) {
			f.Morphs[name] = v
		}
	}
	return f
}

func loadModel(path string) (*mmd.Document, error) {
	doc, err := mmd.Load(path)
	if err != nil {
		return nil, &UnreadableModelError{Path: path, Err: err}
	}
	return doc, nil
}

// FitAndSave loads the models named in opt, fits the dress and writes the merged model.
func FitAndSave(ctx context.Context, opt *Options) (*Result, error) {
	if opt == nil || opt.CharacterPath == "" || opt.DressPath == "" {
		return nil, ErrModelsNotLoaded
	}
	r := newRunner(ctx, opt)
	if err := r.step(StageLoad, 0, 3); err != nil {
		return nil, err
	}
	character, err := loadModel(opt.CharacterPath)
	if err != nil {
		return nil, err
	}
	if err := r.step(StageLoad, 1, 3); err != nil {
		return nil, err
	}
	dress, err := loadModel(opt.DressPath)
	if err != nil {
		return nil, err
	}
	var clip *deform.Motion
	if opt.MotionPath != "" {
		anim, err := mmd.LoadAnimation(opt.MotionPath)
		if err != nil {
			return nil, &UnreadableModelError{Path: opt.MotionPath, Err: err}
		}
		clip = deform.NewMotionFromAnimation(anim)
	}
	if err := r.step(StageLoad, 2, 3); err != nil {
		return nil, err
	}

	res, err := Fit(r.ctx, character, dress, clip, opt)
	if err != nil {
		return nil, err
	}
	res.Output, err = Merge(r.ctx,
		&Source{Doc: res.Character, Frame: deform.NewFrame(), Alphas: opt.CharacterAlphas},
		&Source{Doc: res.Dress, Frame: DressFrame(opt), Alphas: opt.DressAlphas, Dress: true},
		opt.OutputPath, opt)
	if err != nil {
		return nil, err
	}
	return res, nil
}
