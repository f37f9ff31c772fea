package sysex

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PE headers are JSON objects. The core hands them around as opaque bytes;
// this file is the one place their content is interpreted, for the fields
// a client needs to route a reply.

// Encoding names a property-data encoding negotiated in the header.
const (
	EncodingASCII   = "ASCII"
	EncodingMcoded7 = "Mcoded7"
)

// HeaderInfo is the subset of reply-header fields the client consumes.
type HeaderInfo struct {
	Status         int    `json:"status"`
	Message        string `json:"message,omitempty"`
	MutualEncoding string `json:"mutualEncoding,omitempty"`
	CacheTime      int    `json:"cacheTime,omitempty"`
}

// OK reports whether the status is a 2xx success.
func (h HeaderInfo) OK() bool {
	return h.Status >= 200 && h.Status < 300
}

// ParseHeader decodes a reply header. An empty header is not an error: it
// decodes to the zero HeaderInfo (status 0) and the caller decides whether
// the transaction type requires a status.
func ParseHeader(header []byte) (HeaderInfo, error) {
	var info HeaderInfo
	if len(bytes.TrimSpace(header)) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(header, &info); err != nil {
		return info, fmt.Errorf("malformed PE header: %w", err)
	}
	return info, nil
}

// RequestHeader builds the header for an outbound inquiry.
type RequestHeader struct {
	Resource       string `json:"resource"`
	ResID          string `json:"resId,omitempty"`
	MutualEncoding string `json:"mutualEncoding,omitempty"`
	SetPartial     bool   `json:"setPartial,omitempty"`
}

// Marshal renders the request header as canonical JSON bytes.
func (h RequestHeader) Marshal() ([]byte, error) {
	if h.Resource == "" {
		return nil, fmt.Errorf("request header needs a resource name")
	}
	return json.Marshal(h)
}
