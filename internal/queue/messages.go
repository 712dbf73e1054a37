package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current `v` value stamped on every message shape.
const SchemaVersion = 1

// DiscoveryMessage asks the Discovery Coordinator to resolve robots/sitemaps
// for a domain and enqueue the URLs it finds.
type DiscoveryMessage struct {
	Version int    `json:"v"`
	Domain  string `json:"domain"`
	Source  string `json:"source"`
}

// CrawlMessage asks the Crawler Worker to fetch a single URL.
type CrawlMessage struct {
	Version    int       `json:"v"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	URLHash    string    `json:"url_hash"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// IndexMessage asks the Indexer Worker to embed and ingest a fetched page.
type IndexMessage struct {
	Version        int       `json:"v"`
	URL            string    `json:"url"`
	URLHash        string    `json:"url_hash"`
	Domain         string    `json:"domain"`
	RawLocation    string    `json:"raw_location"`
	ParsedLocation string    `json:"parsed_location"`
	DetectedLang   string    `json:"detected_lang"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// EncodeDiscovery marshals a DiscoveryMessage, stamping the schema version.
func EncodeDiscovery(m DiscoveryMessage) ([]byte, error) {
	m.Version = SchemaVersion
	return marshal(m)
}

// DecodeDiscovery unmarshals a DiscoveryMessage body.
func DecodeDiscovery(body []byte) (DiscoveryMessage, error) {
	var m DiscoveryMessage
	err := unmarshal(body, &m)
	return m, err
}

// EncodeCrawl marshals a CrawlMessage, stamping the schema version.
func EncodeCrawl(m CrawlMessage) ([]byte, error) {
	m.Version = SchemaVersion
	return marshal(m)
}

// DecodeCrawl unmarshals a CrawlMessage body.
func DecodeCrawl(body []byte) (CrawlMessage, error) {
	var m CrawlMessage
	err := unmarshal(body, &m)
	return m, err
}

// EncodeIndex marshals an IndexMessage, stamping the schema version.
func EncodeIndex(m IndexMessage) ([]byte, error) {
	m.Version = SchemaVersion
	return marshal(m)
}

// DecodeIndex unmarshals an IndexMessage body.
func DecodeIndex(body []byte) (IndexMessage, error) {
	var m IndexMessage
	err := unmarshal(body, &m)
	return m, err
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal message: %w", err)
	}
	return b, nil
}

func unmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("queue: unmarshal message: %w", err)
	}
	return nil
}
