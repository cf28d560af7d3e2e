package sdp

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"camrelay/pkg/optimize"
)

const (
	mediaVideoPrefix = "m=video"
	rtpmapPrefix     = "a=rtpmap:"
	bandwidthPrefix  = "b=AS:"

	attrExtmapAllowMixed = "a=extmap-allow-mixed"
	attrMsidSemantic     = "a=msid-semantic: WMS"
)

// linePool recycles the scratch slices Rewrite builds while reordering
// payload lists. Slices that escape into the rewritten description are
// allocated normally.
var linePool = optimize.NewStringSlicePool(32)

// Config controls which transformations Rewrite applies. Zero values
// disable the corresponding step.
type Config struct {
	// ForcedCodec is moved to the front of the m=video payload list,
	// matched against rtpmap encoding names ("VP8", "H264", ...).
	ForcedCodec string
	// ForcedBitrateKbps is written as a b=AS: line under m=video.
	ForcedBitrateKbps int
	// SessionAttributes adds the standard browser session-level
	// attributes when the description lacks them.
	SessionAttributes bool
}

// Rewriter applies targeted edits to session descriptions without
// disturbing the lines it does not own. Untouched lines stay
// byte-identical so the rewritten description keeps the shape of the
// one the peer generated.
type Rewriter struct {
	cfg    Config
	logger *zap.SugaredLogger
}

func NewRewriter(cfg Config, logger *zap.SugaredLogger) *Rewriter {
	return &Rewriter{
		cfg:    cfg,
		logger: logger,
	}
}

// Rewrite returns the transformed description, or the original
// unchanged when it is malformed or no configured step applies.
// Rewrite never fails an exchange.
func (r *Rewriter) Rewrite(raw string) (out string) {
	out = raw
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warnw("Session description rewrite failed, passing original through",
				"error", rec)
			out = raw
		}
	}()

	if raw == "" {
		return raw
	}

	newline := "\n"
	if strings.Contains(raw, "\r\n") {
		newline = "\r\n"
	}
	lines := strings.Split(raw, newline)
	if !wellFormed(lines) {
		r.logger.Warnw("Malformed session description, passing original through")
		return raw
	}

	changed := false
	if r.cfg.ForcedCodec != "" {
		changed = r.forceCodec(lines) || changed
	}
	if r.cfg.ForcedBitrateKbps > 0 {
		var ok bool
		lines, ok = r.forceBitrate(lines)
		changed = ok || changed
	}
	if r.cfg.SessionAttributes {
		var ok bool
		lines, ok = injectSessionAttributes(lines)
		changed = ok || changed
	}
	if !changed {
		return raw
	}
	return strings.Join(lines, newline)
}

// wellFormed checks the mandatory session-level fields without
// validating the full grammar.
func wellFormed(lines []string) bool {
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "v=") {
		return false
	}
	var hasOrigin, hasName, hasTiming bool
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "o="):
			hasOrigin = true
		case strings.HasPrefix(line, "s="):
			hasName = true
		case strings.HasPrefix(line, "t="):
			hasTiming = true
		}
	}
	return hasOrigin && hasName && hasTiming
}

// videoSection returns the index of the m=video line and the index one
// past the last line of its media section, or (-1, -1) when the
// description carries no video.
func videoSection(lines []string) (int, int) {
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, mediaVideoPrefix) {
			start = i
			break
		}
	}
	if start == -1 {
		return -1, -1
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "m=") {
			end = i
			break
		}
	}
	return start, end
}

// forceCodec moves the payload types mapped to the forced codec to the
// front of the m=video format list, preserving relative order on both
// sides of the split. Only the m-line changes.
func (r *Rewriter) forceCodec(lines []string) bool {
	start, end := videoSection(lines)
	if start == -1 {
		return false
	}
	fields := strings.Fields(lines[start])
	if len(fields) < 4 {
		return false
	}

	matched := make(map[string]bool)
	for i := start + 1; i < end; i++ {
		pt, codec, ok := parseRtpmap(lines[i])
		if ok && strings.EqualFold(codec, r.cfg.ForcedCodec) {
			matched[pt] = true
		}
	}

	payloads := fields[3:]
	preferred := linePool.Get()
	rest := linePool.Get()
	defer func() {
		linePool.Put(preferred)
		linePool.Put(rest)
	}()
	for _, pt := range payloads {
		if matched[pt] {
			preferred = append(preferred, pt)
		} else {
			rest = append(rest, pt)
		}
	}
	if len(preferred) == 0 {
		r.logger.Warnw("Forced codec not negotiated",
			"codec", r.cfg.ForcedCodec)
		return false
	}

	rebuilt := linePool.Get()
	defer func() {
		linePool.Put(rebuilt)
	}()
	rebuilt = append(rebuilt, fields[:3]...)
	rebuilt = append(rebuilt, preferred...)
	rebuilt = append(rebuilt, rest...)
	mLine := strings.Join(rebuilt, " ")
	if mLine == lines[start] {
		return false
	}
	lines[start] = mLine
	return true
}

// forceBitrate writes the b=AS: line of the video section, replacing an
// existing one or inserting after the connection line per the field
// order of RFC 4566.
func (r *Rewriter) forceBitrate(lines []string) ([]string, bool) {
	start, end := videoSection(lines)
	if start == -1 {
		return lines, false
	}
	value := bandwidthPrefix + strconv.Itoa(r.cfg.ForcedBitrateKbps)

	insertAt := start + 1
	for i := start + 1; i < end; i++ {
		line := lines[i]
		if strings.HasPrefix(line, bandwidthPrefix) {
			if line == value {
				return lines, false
			}
			lines[i] = value
			return lines, true
		}
		if strings.HasPrefix(line, "c=") {
			insertAt = i + 1
		}
	}

	out := optimize.PreAllocateSlice[string](0, len(lines)+1)
	out = append(out, lines[:insertAt]...)
	out = append(out, value)
	out = append(out, lines[insertAt:]...)
	return out, true
}

// injectSessionAttributes adds the session-level attributes every
// browser emits when the description is missing them, just ahead of
// the first media section.
func injectSessionAttributes(lines []string) ([]string, bool) {
	firstMedia := len(lines)
	for i, line := range lines {
		if strings.HasPrefix(line, "m=") {
			firstMedia = i
			break
		}
	}

	hasExtmapMixed := false
	hasMsidSemantic := false
	for _, line := range lines[:firstMedia] {
		if line == attrExtmapAllowMixed {
			hasExtmapMixed = true
		}
		if strings.HasPrefix(line, "a=msid-semantic:") {
			hasMsidSemantic = true
		}
	}

	add := make([]string, 0, 2)
	if !hasExtmapMixed {
		add = append(add, attrExtmapAllowMixed)
	}
	if !hasMsidSemantic {
		add = append(add, attrMsidSemantic)
	}
	if len(add) == 0 {
		return lines, false
	}

	out := optimize.PreAllocateSlice[string](0, len(lines)+len(add))
	out = append(out, lines[:firstMedia]...)
	out = append(out, add...)
	out = append(out, lines[firstMedia:]...)
	return out, true
}

// parseRtpmap extracts the payload type and encoding name from an
// a=rtpmap attribute line.
func parseRtpmap(line string) (pt, codec string, ok bool) {
	if !strings.HasPrefix(line, rtpmapPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, rtpmapPrefix)
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	codec = strings.SplitN(parts[1], "/", 2)[0]
	if codec == "" {
		return "", "", false
	}
	return parts[0], codec, true
}
