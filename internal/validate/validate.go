// Package validate checks download requests before they reach the backend.
package validate

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/pkg/httpclient"
)

// Source URL validation errors.
var (
	ErrEmptyURL        = errors.New("URL cannot be empty")
	ErrInvalidURL      = errors.New("invalid URL format")
	ErrSchemeRequired  = errors.New("only http and https URLs are allowed")
	ErrUserInfoPresent = errors.New("URLs with user credentials are not allowed")
	ErrPrivateHost     = errors.New("URLs pointing at private addresses are not allowed")
	ErrUnknownFormat   = errors.New("unsupported format")
)

// Options tunes source validation.
type Options struct {
	// BlockPrivate rejects sources whose host is a literal private address.
	BlockPrivate bool
}

// Source validates a media source URL. The backend decides which sites it
// supports, so there is no host allowlist here.
func Source(rawURL string, opts Options) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return ErrSchemeRequired
	}

	if parsed.User != nil {
		return ErrUserInfoPresent
	}

	host := parsed.Hostname()
	if host == "" {
		return ErrInvalidURL
	}

	if opts.BlockPrivate {
		if strings.EqualFold(host, "localhost") {
			return ErrPrivateHost
		}
		if ip := net.ParseIP(host); ip != nil && httpclient.IsForbiddenIP(ip) {
			return ErrPrivateHost
		}
	}

	return nil
}

// Format normalizes and validates the requested output format. An empty
// value selects auto.
func Format(format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "":
		return domain.FormatAuto, nil
	case domain.FormatAuto, domain.FormatMP4, domain.FormatMP3:
		return format, nil
	default:
		return "", ErrUnknownFormat
	}
}

// NormalizeURL trims whitespace, drops the fragment and a trailing slash.
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Fragment = ""

	normalized := parsed.String()
	if strings.HasSuffix(normalized, "/") && parsed.Path != "/" {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// Request validates a submission and returns its normalized url and format.
// Failures wrap domain.ErrInvalidRequest.
func Request(rawURL, format string, opts Options) (string, string, error) {
	if err := Source(rawURL, opts); err != nil {
		return "", "", &domain.Error{Kind: domain.ErrInvalidRequest, Op: "validate", Detail: err.Error(), Err: err}
	}
	f, err := Format(format)
	if err != nil {
		return "", "", &domain.Error{Kind: domain.ErrInvalidRequest, Op: "validate", Detail: err.Error() + ": " + format, Err: err}
	}
	return NormalizeURL(rawURL), f, nil
}
