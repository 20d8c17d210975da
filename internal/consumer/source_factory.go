package consumer

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildSourceFromURL opens the message source named by rawURL. memory://
// gives an in-process source; nats:// and tls:// a JetStream durable
// consumer configured by opts.
func BuildSourceFromURL(rawURL string, opts JetStreamOptions, subjects []string) (Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return NewMemorySource(subjects...), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemorySource(subjects...), nil
	case "nats", "tls":
		opts.URL = rawURL
		return NewJetStreamSource(opts, subjects)
	default:
		return nil, fmt.Errorf("unsupported message source scheme: %s", parsed.Scheme)
	}
}
