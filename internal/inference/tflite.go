// tflite.go: TensorFlow Lite engine. Frames are cropped to the endoscope
// image region, resized to the model's input edge and normalized per channel
// before inference.
package inference

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"golang.org/x/image/draw"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/logging"

	_ "image/jpeg"
	_ "image/png"
)

// TFLiteEngine runs a segment-classification model on single frames.
type TFLiteEngine struct {
	model       *tflite.Model
	interpreter *tflite.Interpreter
	spec        *ModelSpec
	crop        image.Rectangle
}

// NewTFLiteEngine loads a model row's weights and prepares an interpreter.
// crop is the endoscope image region in frame pixel coordinates; a zero
// rectangle disables cropping.
func NewTFLiteEngine(row *datastore.AiModel, settings *conf.InferenceSettings, crop image.Rectangle) (*TFLiteEngine, error) {
	start := time.Now()

	spec, err := DecodeModelSpec(row)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryModelLoad).
			Context("model", row.Name).
			Context("version", row.Version).
			Build()
	}

	weightsPath := row.WeightsPath
	if weightsPath == "" {
		weightsPath = settings.ModelPath
	}
	data, err := os.ReadFile(weightsPath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("reading model weights: %w", err)).
			Category(errors.CategoryModelLoad).
			FileContext(weightsPath, 0).
			Timing("model-load", time.Since(start)).
			Build()
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, errors.Newf("cannot parse TensorFlow Lite model %s", weightsPath).
			Category(errors.CategoryModelLoad).
			Context("model_size_mb", len(data)/1024/1024).
			Timing("model-load", time.Since(start)).
			Build()
	}

	threads := settings.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, userData any) {
		logging.ForService("inference").Error("tflite error", "message", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		model.Delete()
		return nil, errors.Newf("cannot create tflite interpreter").
			Category(errors.CategoryModelLoad).
			Build()
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		model.Delete()
		return nil, errors.Newf("tensor allocation failed").
			Category(errors.CategoryModelLoad).
			Build()
	}

	logging.ForService("inference").Info("model initialized",
		"model", row.Name, "version", row.Version,
		"labels", len(spec.Labels), "threads", threads,
		"load_time", time.Since(start))

	return &TFLiteEngine{
		model:       model,
		interpreter: interpreter,
		spec:        spec,
		crop:        crop,
	}, nil
}

// Spec returns the decoded model parameters.
func (e *TFLiteEngine) Spec() *ModelSpec {
	return e.spec
}

// Classify runs the model on one frame image and returns the per-label
// confidence vector in label order.
func (e *TFLiteEngine) Classify(ctx context.Context, framePath string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := decodeFrame(framePath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decoding frame: %w", err)).
			Category(errors.CategoryInference).
			FileContext(framePath, 0).
			Build()
	}

	e.fillInput(img)

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tflite invoke failed").
			Category(errors.CategoryInference).
			FileContext(framePath, 0).
			Build()
	}

	output := e.interpreter.GetOutputTensor(0)
	confidences := make([]float32, len(e.spec.Labels))
	copy(confidences, output.Float32s())
	return confidences, nil
}

// fillInput crops, resizes and normalizes the frame into the input tensor
// as NHWC float32 RGB.
func (e *TFLiteEngine) fillInput(img image.Image) {
	region := img.Bounds()
	if !e.crop.Empty() {
		if r := e.crop.Intersect(img.Bounds()); !r.Empty() {
			region = r
		}
	}

	size := e.spec.InputSize
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, region, draw.Src, nil)

	input := e.interpreter.GetInputTensor(0).Float32s()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			offset := resized.PixOffset(x, y)
			base := (y*size + x) * 3
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[offset+c]) / 255.0
				mean := channelParam(e.spec.Mean, c, 0)
				std := channelParam(e.spec.Std, c, 1)
				input[base+c] = (v - mean) / std
			}
		}
	}
}

// Close releases the interpreter and model.
func (e *TFLiteEngine) Close() error {
	if e.interpreter != nil {
		e.interpreter.Delete()
		e.interpreter = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
	return nil
}

func decodeFrame(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
