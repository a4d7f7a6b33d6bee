package store

import (
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
)

type Configurer struct {
}

func NewConfigurer() *Configurer {
	return &Configurer{}
}

func (c *Configurer) Ensure(logger lager.Logger, storePath string) error {
	logger = logger.Session("ensuring-store", lager.Data{"storePath": storePath})
	logger.Debug("starting")
	defer logger.Debug("ending")

	requiredPaths := []string{storePath}
	for _, folder := range StoreFolders {
		requiredPaths = append(requiredPaths, filepath.Join(storePath, folder))
	}

	for _, requiredPath := range requiredPaths {
		if info, err := os.Stat(requiredPath); err == nil {
			if !info.IsDir() {
				return fmt.Errorf("path `%s` is not a directory", requiredPath)
			}

			continue
		}

		if err := os.MkdirAll(requiredPath, 0700); err != nil {
			return fmt.Errorf("making directory `%s`: %s", requiredPath, err)
		}
	}

	return nil
}
