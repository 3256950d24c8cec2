package main

import (
	"log/slog"
	"os"

	"github.com/binzume/dressfit/converter"
	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/fitting"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/preview"
)

func saveMotion(m *deform.Motion, path string) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := mmd.WriteVMD(m.Animation(), w); err != nil {
		return err
	}
	return w.Close()
}

func savePreview(res *fitting.Result, textureDir, path string, unlit bool, logger *slog.Logger) error {
	conv := converter.NewMMDToGLTFConverter(&converter.MMDToGLTFOption{
		ForceUnlit:             unlit,
		TextureResolutionLimit: 1024,
		Logger:                 logger,
	})
	doc, err := conv.Convert(res.Output, textureDir)
	if err != nil {
		return err
	}
	conv.AddMotion(res.Clip)
	return converter.SaveGLB(doc, path)
}

func saveThumbnail(res *fitting.Result, textureDir, path string, size int, logger *slog.Logger) error {
	r := &preview.Renderer{
		Size:        size,
		Supersample: 2,
		TextureDir:  textureDir,
		Logger:      logger,
	}
	if res.Clip != nil {
		r.Pose = deform.NewEvaluator(res.Output).Evaluate(deform.MotionAt(res.Clip, 0), true)
	}
	img, err := r.Render(res.Output)
	if err != nil {
		return err
	}
	return preview.SaveWebP(img, path)
}
