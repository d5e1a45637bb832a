package doh

import (
	"strings"

	"github.com/miekg/dns"
)

// Question mirrors the question section in the JSON schema.
type Question struct {
	Name   string `json:"name"`
	Qtype  uint16 `json:"type"`
	Qclass uint16 `json:"-"`
}

// RR is one resource record in the JSON schema.
type RR struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// Msg is the Google/Cloudflare JSON answer schema.
type Msg struct {
	Status     int
	TC         bool
	RD         bool
	RA         bool
	AD         bool
	CD         bool
	Question   []Question
	Answer     []RR   `json:",omitempty"`
	Authority  []RR   `json:",omitempty"`
	Additional []RR   `json:",omitempty"`
	Comment    string `json:",omitempty"`
}

// NewMsg converts a DNS message into its JSON form. OPT pseudo-records
// are dropped from the additional section.
func NewMsg(m *dns.Msg) *Msg {
	if m == nil {
		return nil
	}

	msg := &Msg{
		Status:    m.Rcode,
		TC:        m.Truncated,
		RD:        m.RecursionDesired,
		RA:        m.RecursionAvailable,
		AD:        m.AuthenticatedData,
		CD:        m.CheckingDisabled,
		Question:  make([]Question, len(m.Question)),
		Answer:    convertRRs(m.Answer),
		Authority: convertRRs(m.Ns),
	}

	for i, q := range m.Question {
		msg.Question[i] = Question(q)
	}

	for _, rr := range m.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		msg.Additional = append(msg.Additional, convertRR(rr))
	}

	return msg
}

func convertRRs(rrs []dns.RR) []RR {
	if len(rrs) == 0 {
		return nil
	}

	out := make([]RR, len(rrs))
	for i, rr := range rrs {
		out[i] = convertRR(rr)
	}
	return out
}

func convertRR(rr dns.RR) RR {
	return RR{
		Name: rr.Header().Name,
		Type: rr.Header().Rrtype,
		TTL:  rr.Header().Ttl,
		Data: strings.TrimPrefix(rr.String(), rr.Header().String()),
	}
}
