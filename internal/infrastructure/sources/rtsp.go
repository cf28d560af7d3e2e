package sources

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
)

// RTSPPuller pulls the video track of an RTSP camera over TCP
// interleaved transport. Keeping media on the control connection
// avoids UDP hole punching and preserves packet order, so frames can
// be assembled on the marker bit without a reorder buffer.
type RTSPPuller struct {
	id       domain.SourceID
	uri      string
	pipeline Ingestor
	logger   *zap.SugaredLogger

	dialTimeout time.Duration
}

func NewRTSPPuller(id domain.SourceID, uri string, pipeline Ingestor, logger *zap.SugaredLogger) *RTSPPuller {
	return &RTSPPuller{
		id:          id,
		uri:         uri,
		pipeline:    pipeline,
		logger:      logger,
		dialTimeout: 10 * time.Second,
	}
}

// Run negotiates the stream and consumes it until ctx is cancelled or
// the connection fails.
func (p *RTSPPuller) Run(ctx context.Context) error {
	u, err := url.Parse(p.uri)
	if err != nil || u.Scheme != "rtsp" || u.Host == "" {
		return fmt.Errorf("invalid rtsp uri %q", p.uri)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}

	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial rtsp host: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Closing the connection is what unblocks the read loop.
		<-connCtx.Done()
		conn.Close()
	}()

	c := newRTSPConn(conn)

	desc, err := c.roundTrip("DESCRIBE", p.uri, map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return err
	}
	track, err := videoTrack(desc, p.uri)
	if err != nil {
		return err
	}

	setup, err := c.roundTrip("SETUP", track.control, map[string]string{
		"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1",
	})
	if err != nil {
		return err
	}
	var keepalive time.Duration
	c.session, keepalive = parseSession(setup.headers.Get("Session"))
	if c.session == "" {
		return errors.New("rtsp server returned no session")
	}
	defer func() {
		_ = c.request("TEARDOWN", p.uri, nil)
	}()

	if _, err := c.roundTrip("PLAY", p.uri, map[string]string{"Range": "npt=0.000-"}); err != nil {
		return err
	}
	p.logger.Infow("rtsp stream playing",
		"source_id", p.id, "codec", track.codec, "uri", p.uri)

	go p.keepAlive(connCtx, c, keepalive)

	err = p.consume(connCtx, c, track)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// keepAlive refreshes the server's session timer. The replies come
// back in-band and are drained by the consume loop.
func (p *RTSPPuller) keepAlive(ctx context.Context, c *rtspConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.request("OPTIONS", p.uri, nil); err != nil {
				return
			}
		}
	}
}

// consume reads interleaved packets and assembles RTP payloads into
// full frames on the marker bit.
func (p *RTSPPuller) consume(ctx context.Context, c *rtspConn, track *rtspTrack) error {
	depacketizer, err := depacketizerFor(track.codec)
	if err != nil {
		return err
	}

	var (
		assembled   []byte
		dropping    bool
		lastRTPTime uint32
		haveLast    bool
		width       int
		height      int
	)
	interval := time.Second / 30

	header := make([]byte, 4)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(c.br, header[:1]); err != nil {
			return fmt.Errorf("read rtsp stream: %w", err)
		}
		if header[0] != '$' {
			// An RTSP message in-band, most likely a keepalive reply.
			if err := c.drainMessage(); err != nil {
				return err
			}
			continue
		}
		if _, err := io.ReadFull(c.br, header[1:4]); err != nil {
			return fmt.Errorf("read interleave header: %w", err)
		}
		channel := header[1]
		length := int(binary.BigEndian.Uint16(header[2:4]))
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return fmt.Errorf("read interleaved payload: %w", err)
		}
		if channel != 0 {
			// RTCP and anything else the server multiplexes in.
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(payload); err != nil {
			p.logger.Debugw("dropping malformed rtp packet",
				"source_id", p.id, "error", err)
			continue
		}
		if pkt.PayloadType != track.payloadType || len(pkt.Payload) == 0 {
			continue
		}

		// After a decode error, resync on the next partition head so a
		// torn frame never reaches the pipeline.
		if dropping {
			if !depacketizer.IsPartitionHead(pkt.Payload) {
				continue
			}
			dropping = false
		}

		chunk, err := depacketizer.Unmarshal(pkt.Payload)
		if err != nil {
			p.logger.Debugw("dropping undecodable rtp payload",
				"source_id", p.id, "error", err)
			assembled = assembled[:0]
			dropping = true
			continue
		}
		assembled = append(assembled, chunk...)
		if !pkt.Marker || len(assembled) == 0 {
			continue
		}

		if haveLast && track.clockRate > 0 {
			delta := pkt.Timestamp - lastRTPTime
			if d := time.Duration(delta) * time.Second / time.Duration(track.clockRate); d > 0 && d < time.Second {
				interval = d
			}
		}
		lastRTPTime = pkt.Timestamp
		haveLast = true

		frame := make([]byte, len(assembled))
		copy(frame, assembled)
		assembled = assembled[:0]

		key := frameIsKey(track.codec, frame)
		if key {
			if w, h, ok := vp8Dimensions(frame); ok {
				width, height = w, h
			}
		}

		p.pipeline.IngestFrame(&domain.Frame{
			SourceID:  p.id,
			Data:      frame,
			Width:     width,
			Height:    height,
			Keyframe:  key,
			Timestamp: time.Now(),
			Duration:  interval,
		})
	}
}

func depacketizerFor(codec string) (rtp.Depacketizer, error) {
	switch strings.ToUpper(codec) {
	case "VP8":
		return &codecs.VP8Packet{}, nil
	case "H264":
		return &codecs.H264Packet{}, nil
	}
	return nil, fmt.Errorf("unsupported rtsp codec %q", codec)
}

// rtspConn is one control connection. All writes go through request so
// the keepalive ticker and teardown never interleave bytes.
type rtspConn struct {
	conn net.Conn
	br   *bufio.Reader
	tp   *textproto.Reader

	writeMu sync.Mutex
	cseq    int
	session string
}

func newRTSPConn(conn net.Conn) *rtspConn {
	br := bufio.NewReader(conn)
	return &rtspConn{
		conn: conn,
		br:   br,
		tp:   textproto.NewReader(br),
	}
}

func (c *rtspConn) request(method, target string, headers map[string]string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.cseq++

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\nCSeq: %d\r\nUser-Agent: camrelay\r\n", method, target, c.cseq)
	if c.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", c.session)
	}
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(c.conn, b.String())
	return err
}

type rtspResponse struct {
	status  int
	headers textproto.MIMEHeader
	body    []byte
}

// readResponse consumes one RTSP response. The caller must know no
// interleaved data can precede it.
func (c *rtspConn) readResponse() (*rtspResponse, error) {
	line, err := c.tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("malformed rtsp status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed rtsp status line %q", line)
	}

	headers, err := c.tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	var body []byte
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed content length %q", cl)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, err
		}
	}
	return &rtspResponse{status: status, headers: headers, body: body}, nil
}

func (c *rtspConn) roundTrip(method, target string, headers map[string]string) (*rtspResponse, error) {
	if err := c.request(method, target, headers); err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", method, err)
	}
	if resp.status != 200 {
		return nil, fmt.Errorf("%s rejected with status %d", method, resp.status)
	}
	return resp, nil
}

// drainMessage discards an in-band RTSP message whose first byte was
// already consumed while hunting for the interleave marker.
func (c *rtspConn) drainMessage() error {
	if _, err := c.tp.ReadLine(); err != nil {
		return fmt.Errorf("drain rtsp message: %w", err)
	}
	headers, err := c.tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("drain rtsp headers: %w", err)
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n > 0 {
			if _, err := io.CopyN(io.Discard, c.br, int64(n)); err != nil {
				return fmt.Errorf("drain rtsp body: %w", err)
			}
		}
	}
	return nil
}

// rtspTrack describes the negotiated video track.
type rtspTrack struct {
	control     string
	codec       string
	payloadType uint8
	clockRate   uint32
}

// videoTrack picks the first video media of the DESCRIBE answer and
// resolves its control URL against the content base.
func videoTrack(resp *rtspResponse, base string) (*rtspTrack, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(resp.body); err != nil {
		return nil, fmt.Errorf("parse describe sdp: %w", err)
	}
	if cb := resp.headers.Get("Content-Base"); cb != "" {
		base = cb
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" {
			continue
		}
		track := &rtspTrack{control: base}
		if len(media.MediaName.Formats) > 0 {
			if pt, err := strconv.Atoi(media.MediaName.Formats[0]); err == nil {
				track.payloadType = uint8(pt)
			}
		}
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "control":
				track.control = resolveControl(base, attr.Value)
			case "rtpmap":
				pt, name, rate, ok := parseRtpmapAttr(attr.Value)
				if !ok || pt != track.payloadType {
					continue
				}
				track.codec = name
				track.clockRate = rate
			}
		}
		if track.codec == "" {
			return nil, errors.New("video media carries no usable rtpmap")
		}
		return track, nil
	}
	return nil, errors.New("describe answer carries no video media")
}

// parseRtpmapAttr splits "96 VP8/90000" into its parts.
func parseRtpmapAttr(value string) (pt uint8, name string, rate uint32, ok bool) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, "", 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 || n > 127 {
		return 0, "", 0, false
	}
	enc := strings.SplitN(fields[1], "/", 3)
	if enc[0] == "" {
		return 0, "", 0, false
	}
	if len(enc) > 1 {
		if r, err := strconv.Atoi(enc[1]); err == nil && r > 0 {
			rate = uint32(r)
		}
	}
	return uint8(n), enc[0], rate, true
}

// resolveControl joins a relative control attribute onto the base URL.
// An absolute control and the special "*" pass through.
func resolveControl(base, control string) string {
	if control == "" || control == "*" {
		return base
	}
	if strings.Contains(control, "://") {
		return control
	}
	return strings.TrimSuffix(base, "/") + "/" + control
}

// parseSession splits the Session header into its id and the keepalive
// interval, half the advertised timeout. Servers default the timeout
// to 60 seconds when absent.
func parseSession(header string) (string, time.Duration) {
	id := header
	timeout := 60 * time.Second
	if i := strings.IndexByte(header, ';'); i >= 0 {
		id = header[:i]
		for _, part := range strings.Split(header[i+1:], ";") {
			part = strings.TrimSpace(part)
			if v, found := strings.CutPrefix(part, "timeout="); found {
				if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
					timeout = time.Duration(secs) * time.Second
				}
			}
		}
	}
	return strings.TrimSpace(id), timeout / 2
}
