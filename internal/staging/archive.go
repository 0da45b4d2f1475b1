package staging

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
	"github.com/spf13/afero"

	"staging-engine/internal/domain"
	"staging-engine/internal/transport"
)

const (
	ArchiveProcessorName = "archive"
	formatProperty       = "format"
)

var archiveFormats = map[string]func() archiver.Writer{
	"zip":     func() archiver.Writer { return archiver.NewZip() },
	"tar.gz":  func() archiver.Writer { return archiver.NewTarGz() },
	"tar.lz4": func() archiver.Writer { return archiver.NewTarLz4() },
}

// ArchiveProcessor packs the data collection at a local destination into one archive
// once the transfer finished. The archive replaces the content of the data folder.
type ArchiveProcessor struct {
	uid    string
	format string
}

func NewArchiveProcessor(uid string) *ArchiveProcessor {
	return &ArchiveProcessor{uid: uid, format: "zip"}
}

func (p *ArchiveProcessor) UniqueIdentifier() string { return p.uid }
func (p *ArchiveProcessor) Name() string             { return ArchiveProcessorName }
func (p *ArchiveProcessor) PropertyKeys() []string   { return []string{formatProperty} }

func (p *ArchiveProcessor) PropertyDescription(key string) string {
	if key == formatProperty {
		return "Archive format: zip, tar.gz or tar.lz4 (default zip)"
	}
	return ""
}

func (p *ArchiveProcessor) Validate(props Properties) error {
	v, ok := props[formatProperty]
	if !ok {
		return nil
	}
	if _, ok := archiveFormats[strings.ToLower(v)]; !ok {
		return &PropertyError{Key: formatProperty, Value: v, Reason: "unsupported archive format"}
	}
	return nil
}

func (p *ArchiveProcessor) Configure(props Properties) error {
	format := strings.ToLower(props.Get(formatProperty, "zip"))
	if _, ok := archiveFormats[format]; !ok {
		return &PropertyError{Key: formatProperty, Value: format, Reason: "unsupported archive format"}
	}
	p.format = format
	return nil
}

func (p *ArchiveProcessor) PerformPreTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	return nil
}

func (p *ArchiveProcessor) FinalizePreTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	return nil
}

// ArchiveName returns the file name the archive of transferID gets.
func (p *ArchiveProcessor) ArchiveName(transferID string) string {
	sum := sha1.Sum([]byte(transferID))
	return hex.EncodeToString(sum[:]) + "." + p.format
}

func (p *ArchiveProcessor) PerformPostTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	root, err := transport.LocalPath(c.Destination())
	if err != nil {
		return fmt.Errorf("archive requires a local destination: %w", err)
	}
	dataDir := filepath.Join(root, domain.CollectionData)
	if ok, _ := afero.DirExists(ws.FS, dataDir); !ok {
		return fmt.Errorf("data folder %s does not exist", dataDir)
	}
	generatedDir := filepath.Join(root, domain.CollectionGenerated)
	if err := ws.FS.MkdirAll(generatedDir, 0o755); err != nil {
		return fmt.Errorf("create generated folder: %w", err)
	}

	name := p.ArchiveName(c.TransferID())
	target := filepath.Join(generatedDir, name)
	logger := ws.logger().WithField("processor", p.uid)
	logger.Debugf("archiving %s to %s", dataDir, target)

	if err := p.writeArchive(ctx, ws.FS, dataDir, target); err != nil {
		_ = ws.FS.Remove(target)
		return err
	}

	entries, err := afero.ReadDir(ws.FS, dataDir)
	if err != nil {
		return fmt.Errorf("list data folder: %w", err)
	}
	for _, entry := range entries {
		if err := ws.FS.RemoveAll(filepath.Join(dataDir, entry.Name())); err != nil {
			return fmt.Errorf("clear data folder: %w", err)
		}
	}
	if err := ws.FS.Rename(target, filepath.Join(dataDir, name)); err != nil {
		return fmt.Errorf("move archive into data folder: %w", err)
	}
	logger.Infof("archived data folder into %s", name)
	return nil
}

func (p *ArchiveProcessor) FinalizePostTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	return nil
}

func (p *ArchiveProcessor) writeArchive(ctx context.Context, fs afero.Fs, dataDir, target string) error {
	out, err := fs.Create(target)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	ar := archiveFormats[p.format]()
	if err := ar.Create(out); err != nil {
		return fmt.Errorf("init archive: %w", err)
	}

	walkErr := afero.Walk(fs, dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		f, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return ar.Write(archiver.File{
			FileInfo: archiver.FileInfo{
				FileInfo:   info,
				CustomName: filepath.ToSlash(rel),
			},
			ReadCloser: f,
		})
	})
	if walkErr != nil {
		_ = ar.Close()
		return fmt.Errorf("archive data folder: %w", walkErr)
	}
	if err := ar.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

var _ Processor = (*ArchiveProcessor)(nil)
