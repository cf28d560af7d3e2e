package sources

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/ivfreader"

	"camrelay/internal/core/domain"
)

// readaheadDepthMax caps the frame queue so clips with a very fine
// timebase cannot demand an absurd channel.
const readaheadDepthMax = 1024

// FilePlayer loops an IVF recording as a video source, decoding ahead
// of the pacing clock so short disk stalls do not starve the stream.
type FilePlayer struct {
	id        domain.SourceID
	uri       string
	pipeline  Ingestor
	readahead time.Duration
}

// NewFilePlayer builds a player for a file:// URI. The file is opened
// in Run so a missing or malformed clip surfaces as a source error the
// supervisor can retry, not a registration failure.
func NewFilePlayer(id domain.SourceID, uri string, pipeline Ingestor, readahead time.Duration) *FilePlayer {
	if readahead <= 0 {
		readahead = 5 * time.Second
	}
	return &FilePlayer{
		id:        id,
		uri:       uri,
		pipeline:  pipeline,
		readahead: readahead,
	}
}

// Run plays the clip on its native timebase until ctx is cancelled or
// reading fails. The clip loops at EOF.
func (p *FilePlayer) Run(ctx context.Context) error {
	path, err := filePathFromURI(p.uri)
	if err != nil {
		return err
	}

	src, header, err := openIVF(path)
	if err != nil {
		return err
	}
	defer src.Close()

	interval := frameInterval(header)
	width, height := int(header.Width), int(header.Height)

	depth := int(p.readahead / interval)
	if depth < 1 {
		depth = 1
	}
	if depth > readaheadDepthMax {
		depth = readaheadDepthMax
	}
	frames := make(chan ivfFrame, depth)
	readErr := make(chan error, 1)

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go readLoop(readCtx, src, frames, readErr)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				// Reader stopped and buffered frames are drained. A
				// cancelled reader closes frames without an error.
				select {
				case err := <-readErr:
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			p.pipeline.IngestFrame(&domain.Frame{
				SourceID:  p.id,
				Data:      f.data,
				Width:     width,
				Height:    height,
				Keyframe:  f.keyframe,
				Timestamp: time.Now(),
				Duration:  interval,
				Buffered:  time.Duration(len(frames)) * interval,
			})
		}
	}
}

type ivfFrame struct {
	data     []byte
	keyframe bool
}

// readLoop decodes frames ahead of the pacer and closes frames when
// reading fails, after which readErr carries the cause.
func readLoop(ctx context.Context, src *ivfSource, frames chan<- ivfFrame, readErr chan<- error) {
	defer close(frames)
	for {
		payload, err := src.next()
		if err != nil {
			readErr <- err
			return
		}

		f := ivfFrame{data: payload, keyframe: vp8FrameIsKey(payload)}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// ivfSource wraps an open IVF file and rewinds it at EOF so the clip
// loops forever.
type ivfSource struct {
	file   *os.File
	buf    *bufio.Reader
	reader *ivfreader.IVFReader
}

func openIVF(path string) (*ivfSource, *ivfreader.IVFFileHeader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open video file: %w", err)
	}
	buf := bufio.NewReader(file)
	reader, header, err := ivfreader.NewWith(buf)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("read ivf header: %w", err)
	}
	return &ivfSource{file: file, buf: buf, reader: reader}, header, nil
}

func (s *ivfSource) next() ([]byte, error) {
	payload, _, err := s.reader.ParseNextFrame()
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read ivf frame: %w", err)
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind video file: %w", err)
	}
	s.buf.Reset(s.file)
	reader, _, err := ivfreader.NewWith(s.buf)
	if err != nil {
		return nil, fmt.Errorf("reread ivf header: %w", err)
	}
	s.reader = reader

	payload, _, err = s.reader.ParseNextFrame()
	if err != nil {
		// An empty clip would otherwise loop without ever yielding.
		return nil, fmt.Errorf("read ivf frame after rewind: %w", err)
	}
	return payload, nil
}

func (s *ivfSource) Close() error {
	return s.file.Close()
}

// frameInterval derives the frame duration from the IVF timebase,
// falling back to 30fps when the header is degenerate.
func frameInterval(header *ivfreader.IVFFileHeader) time.Duration {
	if header.TimebaseNumerator == 0 || header.TimebaseDenominator == 0 {
		return time.Second / 30
	}
	d := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	if d <= 0 {
		return time.Second / 30
	}
	return d
}

func filePathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid file uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme %q for file source", u.Scheme)
	}
	if u.Path == "" {
		return "", fmt.Errorf("file uri %q carries no path", uri)
	}
	return u.Path, nil
}
