package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderCarriesMetadata(t *testing.T) {
	err := Newf("frame %d missing", 7).
		Component("frames").
		Category(CategoryIntegrity).
		Priority(PriorityCritical).
		Context("video_uuid", "abc").
		Build()

	assert.Equal(t, "frame 7 missing", err.Error())
	assert.Equal(t, "frames", err.GetComponent())
	assert.Equal(t, string(CategoryIntegrity), err.GetCategory())
	assert.Equal(t, PriorityCritical, err.Priority)
	assert.Equal(t, "abc", err.GetContext()["video_uuid"])
	assert.False(t, err.GetTimestamp().IsZero())
}

func TestBuildDefaultsToGenericCategory(t *testing.T) {
	err := New(stderrors.New("boom")).Build()
	assert.Equal(t, CategoryGeneric, err.Category)
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	err := Newf("x").Priority("urgent!!").Build()
	assert.Equal(t, PriorityMedium, err.Priority)

	err = Newf("x").Priority("").Build()
	assert.Empty(t, err.Priority)
}

func TestSentinelSurvivesBuildAndWrapping(t *testing.T) {
	built := New(ErrNotReady).Category(CategoryState).Build()
	assert.True(t, Is(built, ErrNotReady), "Is sees through the enhanced wrapper")

	wrapped := fmt.Errorf("predicting video: %w", built)
	assert.True(t, Is(wrapped, ErrNotReady))

	var enhanced *EnhancedError
	require.True(t, As(wrapped, &enhanced))
	assert.Equal(t, CategoryState, enhanced.Category)
}

func TestIsCategory(t *testing.T) {
	err := Newf("gate failed").Category(CategoryValidation).Build()
	wrapped := fmt.Errorf("stage: %w", err)

	assert.True(t, IsCategory(wrapped, CategoryValidation))
	assert.False(t, IsCategory(wrapped, CategoryDatabase))
	assert.False(t, IsCategory(stderrors.New("plain"), CategoryValidation))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFoundError("video %s not found", "abc")))
	assert.False(t, IsNotFound(ValidationError("bad input")))
}

func TestValidationErrorConvenience(t *testing.T) {
	err := ValidationError("start must be before end")
	assert.Equal(t, CategoryValidation, err.Category)
	assert.Equal(t, "start must be before end", err.Error())
}

func TestInsufficientStorageErrorIsCategorized(t *testing.T) {
	var err error = &InsufficientStorageError{Path: "/data", Required: 100, Available: 10}

	var catErr CategorizedError
	require.True(t, As(err, &catErr))
	assert.Equal(t, CategoryStorageCapacity, catErr.ErrorCategory())
	assert.Contains(t, err.Error(), "/data")

	// Wrapping into the builder keeps the category detectable.
	built := New(err).Category(CategoryStorageCapacity).Build()
	assert.True(t, IsCategory(built, CategoryStorageCapacity))
}

func TestVideoAndFileContext(t *testing.T) {
	err := Newf("x").
		VideoContext("uuid-1", 120).
		FileContext("/data/raw/uuid-1.mp4", 5*1024*1024).
		Build()

	ctx := err.GetContext()
	assert.Equal(t, "uuid-1", ctx["video_uuid"])
	assert.Equal(t, 120, ctx["frame_count"])
	assert.Equal(t, "mp4", ctx["file_extension"])
	assert.Equal(t, "medium", ctx["file_size_category"])
}

func TestEnhancedErrorMatchesByCategory(t *testing.T) {
	a := Newf("one").Category(CategoryConflict).Build()
	b := Newf("two").Category(CategoryConflict).Build()
	c := Newf("three").Category(CategoryDatabase).Build()

	assert.True(t, Is(a, b), "same category counts as a match between enhanced errors")
	assert.False(t, Is(a, c))
}
