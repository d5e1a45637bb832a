// Package doh decodes RFC 8484 wire requests and the Google/Cloudflare
// JSON query form into normalised DNS messages, and serialises answers
// back to either format.
package doh

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/dnsutil"
)

// MimeWire is the RFC 8484 media type.
const MimeWire = "application/dns-message"

// MimeJSON is the JSON query media type.
const MimeJSON = "application/dns-json"

const (
	minMsgHeaderSize = 12
	maxGetPayload    = 4096
)

// Request rejection kinds, mapped to HTTP statuses by the server.
var (
	ErrBadRequest = errors.New("doh: malformed request")
	ErrBadMedia   = errors.New("doh: unsupported media type")
)

// ParseWireRequest extracts the query from a wire-format request: POST
// body, or GET with a base64url ?dns= parameter of at most 4 KiB.
func ParseWireRequest(r *http.Request) (*dns.Msg, error) {
	var buf []byte

	switch r.Method {
	case http.MethodGet:
		param := r.URL.Query().Get("dns")
		if param == "" || len(param) > maxGetPayload {
			return nil, fmt.Errorf("%w: dns parameter empty or oversize", ErrBadRequest)
		}

		var err error
		buf, err = base64.RawURLEncoding.DecodeString(param)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}

	case http.MethodPost:
		if ct := r.Header.Get("Content-Type"); ct != MimeWire {
			return nil, fmt.Errorf("%w: %q", ErrBadMedia, ct)
		}

		var err error
		buf, err = io.ReadAll(io.LimitReader(r.Body, dns.MaxMsgSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}

	default:
		return nil, fmt.Errorf("%w: method %s", ErrBadRequest, r.Method)
	}

	return Normalise(buf)
}

// Normalise unpacks and validates a wire query: intact header, exactly
// one question, a well-formed name. The original ID is preserved and RD
// is forced on.
func Normalise(buf []byte) (*dns.Msg, error) {
	if len(buf) < minMsgHeaderSize {
		return nil, fmt.Errorf("%w: payload shorter than a DNS header", ErrBadRequest)
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if len(req.Question) != 1 {
		return nil, fmt.Errorf("%w: %d questions", ErrBadRequest, len(req.Question))
	}

	if !dnsutil.ValidName(req.Question[0].Name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrBadRequest, req.Question[0].Name)
	}

	req.RecursionDesired = true

	return req, nil
}

// ParseJSONRequest builds a query from the JSON form's parameters:
// name, type (numeric or mnemonic, default A), cd, and do/dnssec. JSON
// queries get a zero ID.
func ParseJSONRequest(r *http.Request) (*dns.Msg, error) {
	query := r.URL.Query()

	name := query.Get("name")
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrBadRequest)
	}
	name = dns.Fqdn(name)

	if !dnsutil.ValidName(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrBadRequest, name)
	}

	qtype := ParseQTYPE(query.Get("type"))
	if qtype == dns.TypeNone {
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadRequest, query.Get("type"))
	}

	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	req.Id = 0
	req.RecursionDesired = true

	if isTrue(query.Get("cd")) {
		req.CheckingDisabled = true
	}

	do := isTrue(query.Get("do")) || isTrue(query.Get("dnssec"))
	req.SetEdns0(dnsutil.DefaultMsgSize, do)

	return req, nil
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

// WriteWire serialises msg as application/dns-message.
func WriteWire(w http.ResponseWriter, msg *dns.Msg) error {
	packed, err := msg.Pack()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", MimeWire)
	_, err = w.Write(packed)
	return err
}

// WriteJSON serialises msg in the Google schema. Browsers asking for
// text/html get the x-javascript content type so answers render inline.
func WriteJSON(w http.ResponseWriter, r *http.Request, msg *dns.Msg) error {
	body, err := json.Marshal(NewMsg(msg))
	if err != nil {
		return err
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "application/x-javascript")
	} else {
		w.Header().Set("Content-Type", MimeJSON)
	}

	_, err = w.Write(body)
	return err
}
