package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
)

// videoClockRate is the RTP clock every video codec here uses.
const videoClockRate = 90000

// defaultFrameDuration stands in until RTP timestamps reveal the
// device's real pacing.
const defaultFrameDuration = 33 * time.Millisecond

// Registry is the slice of the pipeline the device bridge drives:
// source registration plus the frame path.
type Registry interface {
	AddSource(ctx context.Context, uri string, priority int) (*domain.Source, error)
	RemoveSource(ctx context.Context, id domain.SourceID) error
	IngestFrame(frame *domain.Frame)
	ReportSourceError(id domain.SourceID, err error)
}

// DeviceBridge turns companion device media into pipeline sources.
// When a paired device starts streaming it registers a live_device
// source, and every tapped video packet is depacketized and assembled
// into frames on the marker bit, the same way the RTSP puller does.
type DeviceBridge struct {
	pipeline Registry
	priority int
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	feeds map[domain.DeviceID]*deviceFeed
}

// deviceFeed assembles one device's RTP into frames. It is only ever
// touched from that device's forwarding goroutine after setup.
type deviceFeed struct {
	sourceID     domain.SourceID
	depacketizer rtp.Depacketizer
	codec        string

	assembled   []byte
	dropping    bool
	lastRTPTime uint32
	haveLast    bool
	width       int
	height      int
	interval    time.Duration
}

func NewDeviceBridge(pipeline Registry, priority int, logger *zap.SugaredLogger) *DeviceBridge {
	return &DeviceBridge{
		pipeline: pipeline,
		priority: priority,
		logger:   logger,
		feeds:    make(map[domain.DeviceID]*deviceFeed),
	}
}

// HandleTrack registers the device as a live source once its media
// starts flowing. A device that reconnects reuses its old registration.
func (b *DeviceBridge) HandleTrack(device domain.DeviceID, remote *webrtc.TrackRemote, forwarded *webrtc.TrackLocalStaticRTP) {
	if remote.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	codec := codecName(remote.Codec().MimeType)
	depacketizer, err := depacketizerFor(codec)
	if err != nil {
		b.logger.Warnw("device streams an unsupported codec",
			"device_id", device, "codec", remote.Codec().MimeType)
		return
	}

	b.mu.Lock()
	feed, known := b.feeds[device]
	if known {
		feed.depacketizer = depacketizer
		feed.codec = codec
		feed.reset()
		b.mu.Unlock()
		b.logger.Infow("device resumed streaming",
			"device_id", device, "source_id", feed.sourceID, "codec", codec)
		return
	}
	b.mu.Unlock()

	source, err := b.pipeline.AddSource(context.Background(), "device://"+string(device), b.priority)
	if err != nil {
		b.logger.Errorw("failed to register device source",
			"device_id", device, "error", err)
		return
	}

	b.mu.Lock()
	b.feeds[device] = &deviceFeed{
		sourceID:     source.ID,
		depacketizer: depacketizer,
		codec:        codec,
		interval:     defaultFrameDuration,
	}
	b.mu.Unlock()

	b.logger.Infow("device source registered",
		"device_id", device, "source_id", source.ID, "codec", codec)
}

// HandlePacket feeds one tapped video packet into the device's frame
// assembly. Packets arriving before HandleTrack registered the feed
// are dropped.
func (b *DeviceBridge) HandlePacket(device domain.DeviceID, pkt *rtp.Packet) {
	b.mu.Lock()
	feed, ok := b.feeds[device]
	b.mu.Unlock()
	if !ok || len(pkt.Payload) == 0 {
		return
	}

	frame, err := feed.push(pkt)
	if err != nil {
		b.pipeline.ReportSourceError(feed.sourceID, err)
		return
	}
	if frame != nil {
		b.pipeline.IngestFrame(frame)
	}
}

// DropDevice unregisters the device's source after its link ended for
// good. Unknown devices are a no-op.
func (b *DeviceBridge) DropDevice(device domain.DeviceID) {
	b.mu.Lock()
	feed, ok := b.feeds[device]
	if ok {
		delete(b.feeds, device)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if err := b.pipeline.RemoveSource(context.Background(), feed.sourceID); err != nil {
		b.logger.Warnw("failed to remove device source",
			"device_id", device, "source_id", feed.sourceID, "error", err)
		return
	}
	b.logger.Infow("device source removed",
		"device_id", device, "source_id", feed.sourceID)
}

// push folds one packet into the assembly and returns a finished frame
// on the marker bit. After a decode error it resyncs on the next
// partition head so a torn frame never reaches the pipeline.
func (f *deviceFeed) push(pkt *rtp.Packet) (*domain.Frame, error) {
	if f.dropping {
		if !f.depacketizer.IsPartitionHead(pkt.Payload) {
			return nil, nil
		}
		f.dropping = false
	}

	chunk, err := f.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		f.assembled = f.assembled[:0]
		f.dropping = true
		return nil, fmt.Errorf("undecodable %s payload: %w", f.codec, err)
	}
	f.assembled = append(f.assembled, chunk...)
	if !pkt.Marker || len(f.assembled) == 0 {
		return nil, nil
	}

	if f.haveLast {
		delta := pkt.Timestamp - f.lastRTPTime
		if d := time.Duration(delta) * time.Second / videoClockRate; d > 0 && d < time.Second {
			f.interval = d
		}
	}
	f.lastRTPTime = pkt.Timestamp
	f.haveLast = true

	data := make([]byte, len(f.assembled))
	copy(data, f.assembled)
	f.assembled = f.assembled[:0]

	key := frameIsKey(f.codec, data)
	if key {
		if w, h, ok := vp8Dimensions(data); ok {
			f.width, f.height = w, h
		}
	}

	return &domain.Frame{
		SourceID:  f.sourceID,
		Data:      data,
		Width:     f.width,
		Height:    f.height,
		Keyframe:  key,
		Timestamp: time.Now(),
		Duration:  f.interval,
	}, nil
}

// reset clears assembly state across a reconnect so the first frame of
// the new session starts clean.
func (f *deviceFeed) reset() {
	f.assembled = f.assembled[:0]
	f.dropping = false
	f.haveLast = false
}

// codecName strips the media-type prefix from a mime type like
// "video/VP8".
func codecName(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[i+1:]
	}
	return mimeType
}
