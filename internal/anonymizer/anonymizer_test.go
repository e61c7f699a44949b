package anonymizer

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/transcoder"
	"github.com/endoreg/endoscrub/internal/validation"
)

// stubAssembler writes a deterministic fake video file instead of invoking
// ffmpeg.
type stubAssembler struct {
	calls   int
	fail    bool
	payload string
}

func (s *stubAssembler) AssembleVideo(_ context.Context, frameDir, outputPath string, _ float64, _, _ int) (string, error) {
	s.calls++
	if s.fail {
		return "", os.ErrPermission
	}
	payload := s.payload
	if payload == "" {
		payload = "assembled:" + filepath.Base(frameDir)
	}
	if err := os.WriteFile(outputPath, []byte(payload), 0o644); err != nil {
		return "", err
	}
	return outputPath, nil
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

func newAnonymizer(ds datastore.Interface, store *filestore.Store, assembler Assembler) *Anonymizer {
	settings := &conf.Settings{}
	settings.AnonymizerWorkers = 2
	settings.LockStaleness = 3600
	settings.Transcode.FrameExt = ".png"
	return New(ds, store, assembler, validation.New(ds), settings)
}

func writeWhiteFrame(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.White)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// seedReadyVideo builds a video that passes the anonymization gate: raw file
// and extracted frames on disk, verified metadata, every outside segment
// validated.
func seedReadyVideo(t *testing.T, ds datastore.Interface, store *filestore.Store, frameCount, outsideEnd int) *datastore.Video {
	t.Helper()
	uuid := "44444444-4444-4444-4444-444444444444"

	rawPath := store.RawPath(uuid, ".mp4")
	require.NoError(t, os.WriteFile(rawPath, []byte("raw-video-bytes"), 0o644))

	video := &datastore.Video{
		UUID:       uuid,
		RawFile:    rawPath,
		RawHash:    "rawhash-anon",
		FPS:        25,
		Width:      16,
		Height:     16,
		FrameCount: frameCount,
	}
	require.NoError(t, ds.CreateVideo(video))

	frameDir := store.FramePath(uuid)
	rows := make([]datastore.Frame, 0, frameCount)
	for n := 0; n < frameCount; n++ {
		name := transcoder.FrameFileName(n, ".png")
		writeWhiteFrame(t, filepath.Join(frameDir, name), 16, 16)
		rows = append(rows, datastore.Frame{
			VideoID:      video.ID,
			FrameNumber:  n,
			IsExtracted:  true,
			RelativePath: name,
		})
	}
	require.NoError(t, ds.CreateFrames(rows))
	require.NoError(t, ds.MarkFramesExtracted(video.ID, true))

	meta := &datastore.SensitiveMeta{FirstName: "Maria", LastName: "Musterfrau"}
	require.NoError(t, ds.SaveSensitiveMeta(meta, "salt"))
	require.NoError(t, ds.AttachSensitiveMeta(video.ID, meta.ID))
	yes := true
	require.NoError(t, ds.VerifySensitiveMeta(meta.ID, &yes, &yes))
	fresh, err := ds.GetSensitiveMeta(meta.ID)
	require.NoError(t, err)
	video.SensitiveMeta = fresh
	video.SensitiveMetaID = &meta.ID

	if outsideEnd > 0 {
		label, err := ds.GetOrCreateLabel(datastore.OutsideLabelName)
		require.NoError(t, err)
		_, err = ds.CreateSegments([]datastore.LabelVideoSegment{
			{VideoID: video.ID, LabelID: label.ID, StartFrameNumber: 0, EndFrameNumber: outsideEnd},
		})
		require.NoError(t, err)
		require.NoError(t, ds.EnsureSegmentStates(video.ID))
		segments, err := ds.GetSegments(video.ID)
		require.NoError(t, err)
		for _, s := range segments {
			require.NoError(t, ds.ValidateSegment(s.ID))
		}
	}

	video.Processor = &datastore.Processor{
		Name:      "endo-cam",
		ROIX:      4,
		ROIY:      4,
		ROIWidth:  8,
		ROIHeight: 8,
	}
	return video
}

func TestMaskFrameKeepsOnlyImageRegion(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "frame_0000000.png")
	dst := filepath.Join(dir, "masked.png")
	writeWhiteFrame(t, src, 16, 16)

	require.NoError(t, maskFrame(src, dst, image.Rect(4, 4, 12, 12), false))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	isBlack := func(x, y int) bool {
		r, g, b, _ := img.At(x, y).RGBA()
		return r == 0 && g == 0 && b == 0
	}
	assert.True(t, isBlack(0, 0), "overlay corner is blacked out")
	assert.True(t, isBlack(3, 8), "pixel left of the region is blacked out")
	assert.True(t, isBlack(12, 12), "pixel past the region is blacked out")
	assert.False(t, isBlack(4, 4), "region origin survives")
	assert.False(t, isBlack(11, 11), "last region pixel survives")
}

func TestMaskFrameOutsideIsFullyBlack(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "frame_0000000.png")
	dst := filepath.Join(dir, "masked.png")
	writeWhiteFrame(t, src, 16, 16)

	require.NoError(t, maskFrame(src, dst, image.Rect(4, 4, 12, 12), true))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	for _, p := range []image.Point{{0, 0}, {8, 8}, {5, 5}, {15, 15}} {
		r, g, b, _ := img.At(p.X, p.Y).RGBA()
		assert.True(t, r == 0 && g == 0 && b == 0, "pixel %v must be black", p)
	}
}

func TestAnonymizeRefusesUnverifiedMeta(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)

	// Withdraw the metadata sign-off.
	no := false
	require.NoError(t, ds.VerifySensitiveMeta(*video.SensitiveMetaID, &no, &no))
	fresh, err := ds.GetSensitiveMeta(*video.SensitiveMetaID)
	require.NoError(t, err)
	video.SensitiveMeta = fresh

	assembler := &stubAssembler{}
	a := newAnonymizer(ds, store, assembler)

	effects, err := a.Anonymize(context.Background(), video, true)
	require.Error(t, err)
	assert.Empty(t, effects)
	assert.Equal(t, 0, assembler.calls, "nothing is assembled behind a failed gate")

	state, serr := ds.GetOrCreateState(video.ID)
	require.NoError(t, serr)
	assert.False(t, state.Anonymized)

	_, statErr := os.Stat(video.RawFile)
	assert.NoError(t, statErr, "raw file is untouched")
}

func TestAnonymizeHappyPathAndRawCleanup(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)
	rawPath := video.RawFile
	frameDir := store.FramePath(video.UUID)

	assembler := &stubAssembler{}
	a := newAnonymizer(ds, store, assembler)

	effects, err := a.Anonymize(context.Background(), video, true)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "cleanup-raw-assets", effects[0].Name)

	processedPath := store.ProcessedPath(video.UUID)
	_, err = os.Stat(processedPath)
	require.NoError(t, err, "processed output is published")

	hash, err := filestore.HashFile(processedPath)
	require.NoError(t, err)
	fresh, err := ds.RefetchVideo(video.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.ProcessedHash)
	assert.Equal(t, hash, *fresh.ProcessedHash)
	assert.True(t, fresh.State.Anonymized)
	assert.False(t, fresh.HasRaw(), "the row no longer references the raw file")

	// The raw bytes survive until the effects are drained.
	_, err = os.Stat(rawPath)
	require.NoError(t, err)

	require.NoError(t, Drain(effects, nil))

	_, err = os.Stat(rawPath)
	assert.True(t, os.IsNotExist(err), "raw file is gone after the drain")
	_, err = os.Stat(frameDir)
	assert.True(t, os.IsNotExist(err), "frame directory is gone after the drain")

	fresh, err = ds.RefetchVideo(video.ID)
	require.NoError(t, err)
	assert.False(t, fresh.State.FramesExtracted)

	extracted, err := ds.GetExtractedFrames(video.ID)
	require.NoError(t, err)
	assert.Empty(t, extracted, "frame rows no longer claim files on disk")
}

func TestAnonymizeKeepRawSchedulesNoCleanup(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)

	a := newAnonymizer(ds, store, &stubAssembler{})
	effects, err := a.Anonymize(context.Background(), video, false)
	require.NoError(t, err)
	assert.Empty(t, effects)

	fresh, err := ds.RefetchVideo(video.ID)
	require.NoError(t, err)
	assert.True(t, fresh.State.Anonymized)
	assert.True(t, fresh.HasRaw())
	_, statErr := os.Stat(video.RawFile)
	assert.NoError(t, statErr)
}

func TestAnonymizeIsNoOpWhenAlreadyDone(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)
	require.NoError(t, ds.MarkAnonymized(video.ID, true))

	assembler := &stubAssembler{}
	a := newAnonymizer(ds, store, assembler)

	effects, err := a.Anonymize(context.Background(), video, true)
	require.NoError(t, err)
	assert.Empty(t, effects)
	assert.Equal(t, 0, assembler.calls)
}

// commitFailDS refuses every transaction, simulating a database failure
// after the output was published.
type commitFailDS struct {
	datastore.Interface
}

func (f *commitFailDS) Transaction(func(tx *datastore.DataStore) error) error {
	return os.ErrPermission
}

func TestAnonymizeRemovesPublishedFileWhenRecordFails(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)

	a := newAnonymizer(&commitFailDS{Interface: ds}, store, &stubAssembler{})
	effects, err := a.Anonymize(context.Background(), video, true)
	require.Error(t, err)
	assert.Empty(t, effects)

	_, statErr := os.Stat(store.ProcessedPath(video.UUID))
	assert.True(t, os.IsNotExist(statErr), "no orphan output survives a failed record")
	_, statErr = os.Stat(video.RawFile)
	assert.NoError(t, statErr, "raw file is untouched")

	fresh, err := ds.RefetchVideo(video.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.State)
	assert.False(t, fresh.State.Anonymized)
	assert.False(t, fresh.IsProcessed())
}

func TestAnonymizeAssemblerFailureLeavesEverythingIntact(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)

	a := newAnonymizer(ds, store, &stubAssembler{fail: true})
	_, err := a.Anonymize(context.Background(), video, true)
	require.Error(t, err)

	fresh, ferr := ds.RefetchVideo(video.ID)
	require.NoError(t, ferr)
	assert.False(t, fresh.State.Anonymized)
	assert.True(t, fresh.HasRaw())

	_, statErr := os.Stat(video.RawFile)
	assert.NoError(t, statErr, "raw file is untouched")
	_, statErr = os.Stat(store.ProcessedPath(video.UUID))
	assert.True(t, os.IsNotExist(statErr), "no processed file is published")
	_, statErr = os.Stat(store.TempFramePath(video.UUID))
	assert.True(t, os.IsNotExist(statErr), "temp frame directory is cleaned up")
}

func TestAnonymizeDetectsFrameCountMismatch(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 5, 2)

	// The container claims more frames than extraction produced.
	video.FrameCount = 6

	a := newAnonymizer(ds, store, &stubAssembler{})
	_, err := a.Anonymize(context.Background(), video, true)
	require.Error(t, err)

	fresh, ferr := ds.RefetchVideo(video.ID)
	require.NoError(t, ferr)
	assert.False(t, fresh.State.Anonymized)
}

func TestCleanupRawAssetsRefusesWithoutCommittedAnonymization(t *testing.T) {
	ds := newTestDS(t)
	store := newTestStore(t)
	video := seedReadyVideo(t, ds, store, 3, 0)

	a := newAnonymizer(ds, store, &stubAssembler{})
	err := a.CleanupRawAssets(video.ID, video.RawFile)
	require.Error(t, err)

	_, statErr := os.Stat(video.RawFile)
	assert.NoError(t, statErr, "raw file survives a refused cleanup")
}

func TestDrainReportsAndContinues(t *testing.T) {
	ran := []string{}
	var reported []string
	err := Drain([]Effect{
		{Name: "first", Run: func() error { ran = append(ran, "first"); return os.ErrPermission }},
		{Name: "second", Run: func() error { ran = append(ran, "second"); return nil }},
	}, func(name string, _ error) { reported = append(reported, name) })

	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, ran, "a failing effect does not stop the rest")
	assert.Equal(t, []string{"first"}, reported)
}
