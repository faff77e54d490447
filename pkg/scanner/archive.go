package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"golift.io/xtractr"
)

var archiveExtensions = map[string]bool{
	".zip": true, ".tar": true, ".gz": true, ".tgz": true, ".bz2": true,
	".7z": true, ".rar": true, ".iso": true,
}

func isArchive(path string) bool {
	return archiveExtensions[strings.ToLower(filepath.Ext(path))]
}

// ExtractFile can be overridden in tests.
var ExtractFile = func(archiveLocation, outputDir string) (size int64, files []string, volumes []string, err error) {
	xFile := &xtractr.XFile{
		FilePath:  archiveLocation,
		OutputDir: outputDir,
		FileMode:  0o755,
		DirMode:   0o755,
	}
	return xtractr.ExtractFile(xFile)
}

func (s *Scanner) extractWorker() {
	for {
		select {
		case <-s.stopExtract:
			return
		case archive := <-s.archiveChan:
			if err := s.tryExtract(archive); err != nil {
				logger.Error("could not handle archive",
					slog.String("archive", archive.location),
					slog.String(logErrorKey, err.Error()),
				)
			}
			s.ongoingAnalysis.Delete(archive.location)
		}
	}
}

// tryExtract unpacks the archive into a temp folder and evaluates every inner
// file in place. An archive that cannot be extracted is scored as a plain
// file instead of being skipped.
func (s *Scanner) tryExtract(archive archiveToScan) (err error) {
	archiveLogger := logger.With(slog.String("archive", archive.location), slog.String("sha256", archive.sha256))

	outputDir, err := os.MkdirTemp(os.TempDir(), archive.sha256)
	if err != nil {
		return
	}
	defer func() {
		if e := os.RemoveAll(outputDir); e != nil {
			archiveLogger.Error("could not remove extraction folder", slog.String("folder", outputDir), slog.String(logErrorKey, e.Error()))
		}
	}()

	_, files, _, extractErr := ExtractFile(archive.location, outputDir)
	if extractErr != nil {
		archiveLogger.Debug("not extractable, score as plain file", slog.String(logReasonKey, extractErr.Error()))
		s.processFile(fileToScan{location: archive.location, sha256: archive.sha256, size: archive.size, mode: datamodel.ModeDeep})
		return nil
	}

	archiveLogger.Info("extracted files from archive", slog.Int("files", len(files)))
	for _, f := range files {
		select {
		case <-s.stopExtract:
			return context.Canceled
		default:
		}
		info, statErr := os.Stat(f)
		if statErr != nil || info.Size() == 0 {
			continue
		}
		innerSHA256, shaErr := getFileSHA256(f)
		if shaErr != nil {
			archiveLogger.Warn("skip archive inner file", slog.String("file", f), slog.String(logReasonKey, shaErr.Error()))
			continue
		}
		s.processFile(fileToScan{location: f, sha256: innerSHA256, size: info.Size(), mode: datamodel.ModeDeep})
	}
	return
}
