package sdp

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap/zaptest"
)

func sdpFrom(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func browserOffer() string {
	return sdpFrom(
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0 1",
		"a=extmap-allow-mixed",
		"a=msid-semantic: WMS f1c7",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=rtpmap:111 opus/48000/2",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"m=video 9 UDP/TLS/RTP/SAVPF 98 100 96 97",
		"c=IN IP4 0.0.0.0",
		"a=mid:1",
		"a=rtcp-mux",
		"a=rtpmap:98 VP9/90000",
		"a=rtpmap:100 H264/90000",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:97 rtx/90000",
		"a=fmtp:97 apt=96",
	)
}

func newTestRewriter(t *testing.T, cfg Config) *Rewriter {
	t.Helper()
	return NewRewriter(cfg, zaptest.NewLogger(t).Sugar())
}

func videoMLine(t *testing.T, raw string) string {
	t.Helper()
	for _, line := range strings.Split(raw, "\r\n") {
		if strings.HasPrefix(line, "m=video") {
			return line
		}
	}
	t.Fatalf("no m=video line in description:\n%s", raw)
	return ""
}

func TestRewriteMovesForcedCodecFront(t *testing.T) {
	r := newTestRewriter(t, Config{ForcedCodec: "VP8"})

	out := r.Rewrite(browserOffer())

	got := videoMLine(t, out)
	want := "m=video 9 UDP/TLS/RTP/SAVPF 96 98 100 97"
	if got != want {
		t.Errorf("video m-line = %q, want %q", got, want)
	}
	if !strings.Contains(out, "m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8") {
		t.Error("audio m-line was modified")
	}
	if again := r.Rewrite(out); again != out {
		t.Error("second rewrite changed an already rewritten description")
	}
}

func TestRewriteCodecAlreadyFirst(t *testing.T) {
	r := newTestRewriter(t, Config{ForcedCodec: "VP8"})
	in := sdpFrom(
		"v=0",
		"o=- 1 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 96 98",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:98 VP9/90000",
	)

	if out := r.Rewrite(in); out != in {
		t.Errorf("description changed although codec already first:\n%s", out)
	}
}

func TestRewriteUnknownCodecLeavesDescription(t *testing.T) {
	r := newTestRewriter(t, Config{ForcedCodec: "AV1"})
	in := browserOffer()

	if out := r.Rewrite(in); out != in {
		t.Errorf("description changed although codec is not negotiated:\n%s", out)
	}
}

func TestRewriteBitrate(t *testing.T) {
	t.Run("insert after connection line", func(t *testing.T) {
		r := newTestRewriter(t, Config{ForcedBitrateKbps: 2500})

		out := r.Rewrite(browserOffer())

		lines := strings.Split(out, "\r\n")
		videoAt := -1
		for i, line := range lines {
			if strings.HasPrefix(line, "m=video") {
				videoAt = i
			}
		}
		if videoAt == -1 {
			t.Fatal("no m=video line")
		}
		if lines[videoAt+1] != "c=IN IP4 0.0.0.0" || lines[videoAt+2] != "b=AS:2500" {
			t.Errorf("bandwidth not placed after connection line, got %q then %q",
				lines[videoAt+1], lines[videoAt+2])
		}
		if n := strings.Count(out, "b=AS:"); n != 1 {
			t.Errorf("expected a single bandwidth line, got %d", n)
		}
	})

	t.Run("replace existing value", func(t *testing.T) {
		r := newTestRewriter(t, Config{ForcedBitrateKbps: 2500})
		in := sdpFrom(
			"v=0",
			"o=- 1 2 IN IP4 127.0.0.1",
			"s=-",
			"t=0 0",
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"b=AS:512",
			"a=rtpmap:96 VP8/90000",
		)

		out := r.Rewrite(in)

		if strings.Contains(out, "b=AS:512") {
			t.Error("stale bandwidth value survived the rewrite")
		}
		if n := strings.Count(out, "b=AS:2500"); n != 1 {
			t.Errorf("expected one b=AS:2500 line, got %d", n)
		}
	})

	t.Run("matching value untouched", func(t *testing.T) {
		r := newTestRewriter(t, Config{ForcedBitrateKbps: 512})
		in := sdpFrom(
			"v=0",
			"o=- 1 2 IN IP4 127.0.0.1",
			"s=-",
			"t=0 0",
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"b=AS:512",
			"a=rtpmap:96 VP8/90000",
		)

		if out := r.Rewrite(in); out != in {
			t.Errorf("description changed although bandwidth already matches:\n%s", out)
		}
	})
}

func TestRewriteSessionAttributes(t *testing.T) {
	bare := sdpFrom(
		"v=0",
		"o=- 1 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 VP8/90000",
	)
	r := newTestRewriter(t, Config{SessionAttributes: true})

	out := r.Rewrite(bare)

	mediaAt := strings.Index(out, "m=video")
	for _, attr := range []string{"a=extmap-allow-mixed", "a=msid-semantic: WMS"} {
		at := strings.Index(out, attr)
		if at == -1 {
			t.Errorf("attribute %q not injected", attr)
			continue
		}
		if at > mediaAt {
			t.Errorf("attribute %q landed inside a media section", attr)
		}
	}

	if again := r.Rewrite(out); again != out {
		t.Error("second rewrite injected attributes twice")
	}
	if full := r.Rewrite(browserOffer()); full != browserOffer() {
		t.Error("description with attributes present was modified")
	}
}

func TestRewriteMalformedPassesThrough(t *testing.T) {
	r := newTestRewriter(t, Config{
		ForcedCodec:       "VP8",
		ForcedBitrateKbps: 2500,
		SessionAttributes: true,
	})

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not a description", "hello world"},
		{"missing session fields", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := r.Rewrite(tt.in); out != tt.in {
				t.Errorf("malformed input was rewritten: %q", out)
			}
		})
	}
}

func TestRewriteKeepsLineEndings(t *testing.T) {
	r := newTestRewriter(t, Config{ForcedCodec: "VP8"})
	in := strings.Join([]string{
		"v=0",
		"o=- 1 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 98 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:98 VP9/90000",
		"a=rtpmap:96 VP8/90000",
	}, "\n") + "\n"

	out := r.Rewrite(in)

	if strings.Contains(out, "\r\n") {
		t.Error("rewrite introduced carriage returns into a LF description")
	}
	if !strings.Contains(out, "m=video 9 UDP/TLS/RTP/SAVPF 96 98\n") {
		t.Errorf("codec not reordered in LF description:\n%s", out)
	}
}

func TestRewriteOutputStaysParseable(t *testing.T) {
	r := newTestRewriter(t, Config{
		ForcedCodec:       "VP8",
		ForcedBitrateKbps: 2500,
		SessionAttributes: true,
	})

	out := r.Rewrite(browserOffer())

	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(out)); err != nil {
		t.Fatalf("rewritten description does not parse: %v", err)
	}
	var video *sdp.MediaDescription
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "video" {
			video = md
		}
	}
	if video == nil {
		t.Fatal("no video media description after rewrite")
	}
	if len(video.MediaName.Formats) == 0 || video.MediaName.Formats[0] != "96" {
		t.Errorf("formats = %v, want payload 96 first", video.MediaName.Formats)
	}
	found := false
	for _, bw := range video.Bandwidth {
		if bw.Type == "AS" && bw.Bandwidth == 2500 {
			found = true
		}
	}
	if !found {
		t.Errorf("bandwidth %v missing AS:2500", video.Bandwidth)
	}
}
