// bootstrap.go: process-level wiring shared by the CLI commands.
package pipeline

import (
	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
)

// Bootstrap opens the configured datastore and composes a pipeline on it.
// The caller owns closing the returned datastore.
func Bootstrap(settings *conf.Settings, opts ...Option) (datastore.Interface, *Pipeline, error) {
	ds := datastore.New(settings)
	if ds == nil {
		return nil, nil, errors.Newf("no database backend enabled").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := ds.Open(); err != nil {
		return nil, nil, err
	}

	p, err := New(settings, ds, opts...)
	if err != nil {
		_ = ds.Close()
		return nil, nil, err
	}
	return ds, p, nil
}
