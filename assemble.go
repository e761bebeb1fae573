package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// Output Assembly
// ---------------------------------------------------------------------------

const defaultDownloadPause = 500 * time.Millisecond

// Mode selects how generated rides are exported.
type Mode string

const (
	ModeIndividual Mode = "individual"
	ModeArchive    Mode = "zip"
	ModeMerged     Mode = "merged"
	ModePreview    Mode = "preview"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeIndividual, ModeArchive, ModeMerged, ModePreview:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown output mode %q (individual, zip, merged, preview)", ErrValidation, s)
}

// DocumentRenderer turns one ride into a serialized single-page PDF.
type DocumentRenderer interface {
	Render(ctx context.Context, ride Ride) ([]byte, error)
}

// Artifact is a finished download.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SaveFunc stores one individual document.
type SaveFunc func(filename string, data []byte) error

// Assembler renders rides one at a time and packages the documents.
type Assembler struct {
	renderer DocumentRenderer
	composer Composer
	brand    string
	pause    time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewAssembler creates an assembler. A nil composer disables merged output.
func NewAssembler(renderer DocumentRenderer, composer Composer, brand string, pause time.Duration, log logrus.FieldLogger) *Assembler {
	return &Assembler{
		renderer: renderer,
		composer: composer,
		brand:    brand,
		pause:    pause,
		now:      time.Now,
		log:      log,
	}
}

// Document renders a single ride as a downloadable file.
func (a *Assembler) Document(ctx context.Context, ride Ride) (*Artifact, error) {
	data, err := a.renderer.Render(ctx, ride)
	if err != nil {
		return nil, err
	}
	return &Artifact{Filename: bookingFilename(a.brand, ride), ContentType: "application/pdf", Data: data}, nil
}

// Individual renders and saves every ride in order, pausing between saves.
func (a *Assembler) Individual(ctx context.Context, rides []Ride, save SaveFunc) error {
	if len(rides) == 0 {
		return ErrNoRecords
	}
	log := a.log.WithFields(logrus.Fields{"mode": ModeIndividual, "records": len(rides)})

	for i, ride := range rides {
		if i > 0 {
			if err := sleep(ctx, a.pause); err != nil {
				return err
			}
		}
		doc, err := a.Document(ctx, ride)
		if err != nil {
			return err
		}
		if err := save(doc.Filename, doc.Data); err != nil {
			return fmt.Errorf("save %s: %w", doc.Filename, err)
		}
		log.WithField("file", doc.Filename).Debug("saved document")
	}

	log.Info("individual export finished")
	return nil
}

// Archive renders every ride into one zip archive.
func (a *Assembler) Archive(ctx context.Context, rides []Ride) (*Artifact, error) {
	if len(rides) == 0 {
		return nil, ErrNoRecords
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ride := range rides {
		data, err := a.renderer.Render(ctx, ride)
		if err != nil {
			return nil, err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     bookingFilename(a.brand, ride),
			Method:   zip.Deflate,
			Modified: ride.Date,
		})
		if err != nil {
			return nil, fmt.Errorf("add archive entry: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("write archive entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	a.log.WithFields(logrus.Fields{"mode": ModeArchive, "records": len(rides), "bytes": buf.Len()}).Info("archive ready")
	return &Artifact{
		Filename:    historyFilename(a.brand, a.now(), "zip"),
		ContentType: "application/zip",
		Data:        buf.Bytes(),
	}, nil
}

// Merged renders every ride and concatenates all pages into one PDF.
func (a *Assembler) Merged(ctx context.Context, rides []Ride) (*Artifact, error) {
	if len(rides) == 0 {
		return nil, ErrNoRecords
	}
	if a.composer == nil {
		return nil, ErrComposerUnavailable
	}

	docs := make([][]byte, 0, len(rides))
	for _, ride := range rides {
		data, err := a.renderer.Render(ctx, ride)
		if err != nil {
			return nil, err
		}
		docs = append(docs, data)
	}

	merged, err := a.composer.Compose(docs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportAborted, err)
	}

	a.log.WithFields(logrus.Fields{"mode": ModeMerged, "records": len(rides), "bytes": len(merged)}).Info("merged document ready")
	return &Artifact{
		Filename:    historyFilename(a.brand, a.now(), "pdf"),
		ContentType: "application/pdf",
		Data:        merged,
	}, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
