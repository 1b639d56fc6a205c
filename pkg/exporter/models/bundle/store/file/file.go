package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/utils"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type File struct {
	dirPath string
	logger  log.Logger
}

var ErrInvalidName = errors.New("artifact name is not a plain file name")

func NewFile(dirPath string, logger log.Logger) (store.File, error) {
	if err := os.MkdirAll(dirPath, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "could not create output directory %s", dirPath)
	}
	return &File{dirPath: dirPath, logger: logger}, nil
}

const (
	dirPerm    = 0755
	publicPerm = 0444
	secretPerm = 0400
)

func (f *File) Write(ctx context.Context, name string, data []byte) error {
	logger := utils.LoggerFromContext(ctx, f.logger)
	if err := checkName(name); err != nil {
		level.Error(logger).Log("err", err, "msg", "Refusing to write artifact "+name)
		return err
	}

	path := filepath.Join(f.dirPath, name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, permFor(name))
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create artifact "+name+" in filesystem")
		return errors.Wrapf(err, "could not create %s", name)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not write artifact "+name)
		os.Remove(path)
		return errors.Wrapf(err, "could not write %s", name)
	}
	level.Info(logger).Log("msg", "Artifact "+name+" written to file system")
	return nil
}

// Keys and keystores are readable by the owner only.
func permFor(name string) os.FileMode {
	if strings.HasSuffix(name, bundle.CSRExtension) {
		return publicPerm
	}
	return secretPerm
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}
