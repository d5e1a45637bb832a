package doh

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ParseQTYPE resolves the JSON form's type parameter: empty defaults to
// A, numbers are taken verbatim, anything else is looked up as an RR
// mnemonic. Unknown mnemonics yield TypeNone.
func ParseQTYPE(s string) uint16 {
	if s == "" {
		return dns.TypeA
	}

	if v, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(v)
	}

	if v, ok := dns.StringToType[strings.ToUpper(s)]; ok {
		return v
	}

	return dns.TypeNone
}
