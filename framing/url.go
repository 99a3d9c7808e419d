package framing

import (
	"encoding/base64"
	"errors"
	"strings"
)

// URLFragmentPrefix precedes the encoded frame in a chunk URL.
const URLFragmentPrefix = "/r#d="

// ErrNotChunkURL indicates a string that does not carry an encoded frame.
var ErrNotChunkURL = errors.New("not a chunk URL")

// EncodeURL renders a frame as {baseURL}/r#d={base64url(frame)}. The frame is
// carried in the fragment so it never reaches a web server.
func EncodeURL(baseURL string, frame []byte) string {
	return strings.TrimRight(baseURL, "/") + URLFragmentPrefix + base64.RawURLEncoding.EncodeToString(frame)
}

// DecodeURL extracts the frame bytes from a chunk URL. A bare fragment value
// (without the base URL) is accepted as well, since scanners often strip it.
func DecodeURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "#d="); i >= 0 {
		s = s[i+len("#d="):]
	} else if strings.Contains(s, "://") {
		return nil, ErrNotChunkURL
	}
	s = strings.TrimRight(s, "=")
	frame, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrNotChunkURL
	}
	return frame, nil
}

// EncodeURLs splits payload and renders every frame as a chunk URL.
func EncodeURLs(baseURL string, payload []byte, maxDataBytes int) ([]string, error) {
	frames, err := Split(payload, maxDataBytes)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(frames))
	for i, f := range frames {
		urls[i] = EncodeURL(baseURL, f)
	}
	return urls, nil
}
