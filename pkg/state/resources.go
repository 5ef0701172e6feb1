package state

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/davidthor/localflow/pkg/errors"
)

// resourceFs confines resource lookups to the resources root.
func (b *base) resourceFs() (afero.Fs, error) {
	if b.resourcesRoot == "" {
		return nil, notInitialized(b.backendType)
	}
	return afero.NewBasePathFs(b.opts.fs, b.resourcesRoot), nil
}

func (b *base) GetResource(_ context.Context, resourcePath string) ([]byte, error) {
	fs, err := b.resourceFs()
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(fs, filepath.FromSlash(resourcePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError("resource", resourcePath)
		}
		return nil, errors.Wrap(errors.ErrCodeStorage, fmt.Sprintf("failed to read resource %s", resourcePath), err)
	}
	return data, nil
}

func (b *base) DownloadResource(ctx context.Context, resourcePath, targetPath string) (string, error) {
	data, err := b.GetResource(ctx, resourcePath)
	if err != nil {
		return "", err
	}

	if targetPath == "" {
		file, err := afero.TempFile(b.opts.fs, "", "*-"+path.Base(resourcePath))
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeStorage, "failed to create temp file", err)
		}
		targetPath = file.Name()
		_, err = file.Write(data)
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeStorage, fmt.Sprintf("failed to write %s", targetPath), err)
		}
		return targetPath, nil
	}

	if err := afero.WriteFile(b.opts.fs, targetPath, data, 0644); err != nil {
		return "", errors.Wrap(errors.ErrCodeStorage, fmt.Sprintf("failed to write %s", targetPath), err)
	}
	return targetPath, nil
}
