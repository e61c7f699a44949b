package ocr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/transcoder"
)

// fakeEngine answers per frame number, parsed from the frame file name.
type fakeEngine struct {
	byFrame map[int]map[string]string
	failOn  map[int]bool
	calls   int
}

func (f *fakeEngine) Recognize(_ context.Context, framePath string, _ []Region) (map[string]string, error) {
	f.calls++
	n, err := transcoder.ParseFrameNumber(framePath)
	if err != nil {
		return nil, err
	}
	if f.failOn[n] {
		return nil, os.ErrPermission
	}
	return f.byFrame[n], nil
}

func newTestDS(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Database.SQLite.Enabled = true
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	ds := datastore.New(settings)
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func newTestStore(t *testing.T) *filestore.Store {
	t.Helper()
	cfg := &conf.StorageConfig{
		Root:         t.TempDir(),
		RawDir:       "raw",
		ProcessedDir: "processed",
		FrameDir:     "frames",
		TempDir:      "temp",
	}
	store := filestore.New(cfg, 1.0)
	require.NoError(t, store.EnsureLayout())
	return store
}

func seedOCRVideo(t *testing.T, ds datastore.Interface, frameCount int) *datastore.Video {
	t.Helper()
	video := &datastore.Video{
		UUID:       "33333333-3333-3333-3333-333333333333",
		RawFile:    "/tmp/raw.mp4",
		RawHash:    "rawhash-ocr",
		FPS:        30,
		FrameCount: frameCount,
	}
	require.NoError(t, ds.CreateVideo(video))

	rows := make([]datastore.Frame, 0, frameCount)
	for n := 0; n < frameCount; n++ {
		rows = append(rows, datastore.Frame{
			VideoID:      video.ID,
			FrameNumber:  n,
			IsExtracted:  true,
			RelativePath: transcoder.FrameFileName(n, ".jpg"),
		})
	}
	require.NoError(t, ds.CreateFrames(rows))
	require.NoError(t, ds.MarkFramesExtracted(video.ID, true))

	video.Processor = &datastore.Processor{
		Name: "endo-cam",
		TextROIs: []datastore.TextROI{
			{Name: RegionFirstName, X: 10, Y: 10, Width: 200, Height: 30},
			{Name: RegionDOB, X: 10, Y: 50, Width: 200, Height: 30},
		},
	}
	return video
}

func ocrSettings() *conf.OCRSettings {
	return &conf.OCRSettings{FrameFraction: 1.0, FrameCap: 100}
}

func TestSampleFramesSizing(t *testing.T) {
	frames := make([]datastore.Frame, 100)
	for i := range frames {
		frames[i].FrameNumber = i
	}

	sample := sampleFrames(frames, 0.05, 10)
	require.Len(t, sample, 5)
	assert.Equal(t, 0, sample[0].FrameNumber, "sampling starts at the first frame")
	assert.Equal(t, 80, sample[4].FrameNumber, "samples are evenly spaced")

	assert.Len(t, sampleFrames(frames, 0.5, 10), 10, "cap binds before the fraction")
	assert.Len(t, sampleFrames(frames, 0.0001, 10), 1, "at least one frame is sampled")
	assert.Len(t, sampleFrames(frames, 1.0, 200), 100, "full fraction returns everything")
}

func TestExtractTextMajorityVote(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 3)

	engine := &fakeEngine{byFrame: map[int]map[string]string{
		0: {RegionFirstName: "Maria", RegionDOB: "14.03.1960"},
		1: {RegionFirstName: "Maria", RegionDOB: ""},
		2: {RegionFirstName: "Marla", RegionDOB: "14.03.1960"},
	}}

	e := New(ds, store, engine, ocrSettings(), "salt")
	texts, err := e.ExtractText(context.Background(), video, false)
	require.NoError(t, err)
	assert.Equal(t, "Maria", texts[RegionFirstName])
	assert.Equal(t, "14.03.1960", texts[RegionDOB])
}

func TestExtractTextTieBreaksDeterministically(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 2)

	engine := &fakeEngine{byFrame: map[int]map[string]string{
		0: {RegionFirstName: "Beta"},
		1: {RegionFirstName: "Alpha"},
	}}

	e := New(ds, store, engine, ocrSettings(), "salt")
	texts, err := e.ExtractText(context.Background(), video, false)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", texts[RegionFirstName], "equal counts resolve to the lexicographically smaller text")
}

func TestExtractTextSkipsFailingFrames(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 3)

	engine := &fakeEngine{
		byFrame: map[int]map[string]string{
			0: {RegionFirstName: "Maria"},
			2: {RegionFirstName: "Maria"},
		},
		failOn: map[int]bool{1: true},
	}

	e := New(ds, store, engine, ocrSettings(), "salt")
	texts, err := e.ExtractText(context.Background(), video, false)
	require.NoError(t, err, "one bad frame does not fail the batch")
	assert.Equal(t, "Maria", texts[RegionFirstName])
	assert.Equal(t, 3, engine.calls)
}

func TestExtractTextPreconditions(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	e := New(ds, store, &fakeEngine{}, ocrSettings(), "salt")

	// Frames not extracted yet.
	video := &datastore.Video{UUID: "ocr-noframes", RawFile: "/tmp/x.mp4", RawHash: "h-nf"}
	require.NoError(t, ds.CreateVideo(video))
	video.Processor = &datastore.Processor{TextROIs: []datastore.TextROI{{Name: RegionFirstName}}}
	_, err := e.ExtractText(context.Background(), video, false)
	assert.True(t, errors.Is(err, errors.ErrNotReady))

	// No text regions configured.
	ready := seedOCRVideo(t, ds, 2)
	ready.Processor = nil
	_, err = e.ExtractText(context.Background(), ready, false)
	assert.True(t, errors.Is(err, errors.ErrNotReady))
}

func TestExtractTextNothingFoundIsNotAnError(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 2)

	engine := &fakeEngine{byFrame: map[int]map[string]string{
		0: {RegionFirstName: "   "},
		1: {},
	}}

	e := New(ds, store, engine, ocrSettings(), "salt")
	texts, err := e.ExtractText(context.Background(), video, false)
	require.NoError(t, err)
	assert.Nil(t, texts)
}

func TestExtractTextRunsOnceUntilOverwrite(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 3)

	engine := &fakeEngine{byFrame: map[int]map[string]string{
		0: {RegionFirstName: "Maria"},
		1: {RegionFirstName: "Maria"},
		2: {RegionFirstName: "Maria"},
	}}
	e := New(ds, store, engine, ocrSettings(), "salt")

	texts, err := e.ExtractText(context.Background(), video, false)
	require.NoError(t, err)
	require.NoError(t, e.UpdateSensitiveMeta(context.Background(), video, texts, false))
	firstCalls := engine.calls
	require.Equal(t, 3, firstCalls)

	// A completed extraction is not re-attempted on later runs.
	texts, err = e.ExtractText(context.Background(), video, false)
	require.NoError(t, err)
	assert.Nil(t, texts)
	assert.Equal(t, firstCalls, engine.calls, "sampling must not re-run once text_meta_extracted is set")

	// Only an explicit overwrite request re-triggers the sampling.
	texts, err = e.ExtractText(context.Background(), video, true)
	require.NoError(t, err)
	assert.Equal(t, "Maria", texts[RegionFirstName])
	assert.Equal(t, firstCalls*2, engine.calls)
}

func TestUpdateSensitiveMetaCreatesAndAttaches(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 2)

	e := New(ds, store, &fakeEngine{}, ocrSettings(), "salt")
	texts := map[string]string{
		RegionFirstName: "Maria",
		RegionLastName:  "Musterfrau",
		RegionDOB:       "14.03.1960",
	}
	require.NoError(t, e.UpdateSensitiveMeta(context.Background(), video, texts, false))
	require.NotNil(t, video.SensitiveMetaID)

	fresh, err := ds.GetVideo(video.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.SensitiveMetaID)

	meta, err := ds.GetSensitiveMeta(*fresh.SensitiveMetaID)
	require.NoError(t, err)
	assert.Equal(t, "Maria", meta.FirstName)
	assert.Equal(t, "Musterfrau", meta.LastName)
	require.NotNil(t, meta.DOB)
	assert.True(t, meta.DOB.Equal(time.Date(1960, 3, 14, 0, 0, 0, 0, time.UTC)))
	assert.NotEmpty(t, meta.PatientHash)

	state, err := ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.True(t, state.TextMetaExtracted)
}

func TestUpdateSensitiveMetaMergeSemantics(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 2)
	e := New(ds, store, &fakeEngine{}, ocrSettings(), "salt")

	require.NoError(t, e.UpdateSensitiveMeta(context.Background(), video,
		map[string]string{RegionFirstName: "Maria"}, false))

	// Without overwrite an existing value wins.
	require.NoError(t, e.UpdateSensitiveMeta(context.Background(), video,
		map[string]string{RegionFirstName: "Anna"}, false))
	meta, err := ds.GetSensitiveMeta(*video.SensitiveMetaID)
	require.NoError(t, err)
	assert.Equal(t, "Maria", meta.FirstName)

	// With overwrite the new value replaces it.
	require.NoError(t, e.UpdateSensitiveMeta(context.Background(), video,
		map[string]string{RegionFirstName: "Anna"}, true))
	meta, err = ds.GetSensitiveMeta(*video.SensitiveMetaID)
	require.NoError(t, err)
	assert.Equal(t, "Anna", meta.FirstName)
}

func TestUpdateSensitiveMetaDiscardsPlaceholders(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedOCRVideo(t, ds, 2)
	e := New(ds, store, &fakeEngine{}, ocrSettings(), "salt")

	texts := map[string]string{
		RegionFirstName: "Patient_First_Name",
		RegionDOB:       "not a date",
	}
	require.NoError(t, e.UpdateSensitiveMeta(context.Background(), video, texts, false))

	meta, err := ds.GetSensitiveMeta(*video.SensitiveMetaID)
	require.NoError(t, err)
	assert.Empty(t, meta.FirstName, "a region echoing its own name is noise")
	assert.Nil(t, meta.DOB, "unparseable dates are dropped")

	state, err := ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.True(t, state.TextMetaExtracted, "completion is recorded even when nothing usable was found")
}
