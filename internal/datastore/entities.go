// entities.go: reference-entity lookups (centers, processors, models).
package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/endoreg/endoscrub/internal/errors"
)

// GetOrCreateCenter returns the center with the given name, creating it
// when absent.
func (ds *DataStore) GetOrCreateCenter(name string) (*Center, error) {
	var center Center
	err := ds.DB.Where(Center{Name: name}).FirstOrCreate(&center).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create center %q: %w", name, err)
	}
	return &center, nil
}

// GetOrCreateProcessor returns the processor with the given name, creating
// a bare row when absent. Region coordinates of a new row stay zero until
// configured.
func (ds *DataStore) GetOrCreateProcessor(name string) (*Processor, error) {
	var processor Processor
	err := ds.DB.Where(Processor{Name: name}).
		Preload("TextROIs").
		FirstOrCreate(&processor).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create processor %q: %w", name, err)
	}
	return &processor, nil
}

// FindAiModel returns the model with the given name and version, or nil
// when none exists.
func (ds *DataStore) FindAiModel(name, version string) (*AiModel, error) {
	var model AiModel
	err := ds.DB.Where("name = ? AND version = ?", name, version).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up model %s %s: %w", name, version, err)
	}
	return &model, nil
}

// SaveAiModel inserts or updates a model row.
func (ds *DataStore) SaveAiModel(model *AiModel) error {
	if err := ds.DB.Save(model).Error; err != nil {
		return fmt.Errorf("saving model %s %s: %w", model.Name, model.Version, err)
	}
	return nil
}
