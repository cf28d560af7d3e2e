package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// SourceIDRegex validates source ID format
	SourceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// DeviceIDRegex validates device ID format
	DeviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// sourceSchemes lists URI schemes the pipeline can ingest.
var sourceSchemes = map[string]bool{
	"file":      true,
	"rtsp":      true,
	"device":    true,
	"synthetic": true,
	"canvas":    true,
}

// ValidateSourceID validates source ID
func ValidateSourceID(sourceID string) error {
	if sourceID == "" {
		return fmt.Errorf("source ID is required")
	}
	if len(sourceID) > 100 {
		return fmt.Errorf("source ID is too long (max 100 characters)")
	}
	if !SourceIDRegex.MatchString(sourceID) {
		return fmt.Errorf("invalid source ID format")
	}
	return nil
}

// ValidateDeviceID validates device ID
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(deviceID) > 100 {
		return fmt.Errorf("device ID is too long (max 100 characters)")
	}
	if !DeviceIDRegex.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format")
	}
	return nil
}

// ValidateSourceURI validates a media source URI. Accepted schemes are
// file, rtsp, device, synthetic and canvas.
func ValidateSourceURI(uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return fmt.Errorf("source URI is required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid source URI: %w", err)
	}
	if !sourceSchemes[u.Scheme] {
		return fmt.Errorf("unsupported source scheme %q (must be file, rtsp, device, synthetic, or canvas)", u.Scheme)
	}
	if u.Scheme == "rtsp" && u.Host == "" {
		return fmt.Errorf("rtsp source URI must have a host")
	}
	if u.Scheme == "file" && u.Path == "" && u.Opaque == "" {
		return fmt.Errorf("file source URI must have a path")
	}
	return nil
}

// ValidateDeviceAddress validates a host for manual device discovery.
func ValidateDeviceAddress(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("device address is required")
	}
	if ip := net.ParseIP(address); ip != nil {
		return nil
	}
	// Hostname: letters, digits, dots, hyphens.
	if !regexp.MustCompile(`^[a-zA-Z0-9.\-]+$`).MatchString(address) {
		return fmt.Errorf("invalid device address format")
	}
	return nil
}

// ValidatePort validates a TCP/UDP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be in range 1..65535")
	}
	return nil
}

// ValidatePriority validates a source priority value. Lower means preferred.
func ValidatePriority(priority int) error {
	if priority < 0 {
		return fmt.Errorf("priority must be >= 0")
	}
	if priority > 1000 {
		return fmt.Errorf("priority is too high (max 1000)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates bitrate value
func ValidateBitrate(bitrate int) error {
	if bitrate < 100 {
		return fmt.Errorf("bitrate must be at least 100 kbps")
	}
	if bitrate > 10000 {
		return fmt.Errorf("bitrate is too high (max 10000 kbps)")
	}
	return nil
}

// ValidateCodec validates a forced video codec name.
func ValidateCodec(codec string) error {
	validCodecs := map[string]bool{
		"VP8":  true,
		"VP9":  true,
		"H264": true,
		"AV1":  true,
	}
	if !validCodecs[codec] {
		return fmt.Errorf("invalid codec (must be VP8, VP9, H264, or AV1)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
