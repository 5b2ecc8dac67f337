package profile

import (
	"fmt"
	"net"
	"strings"
)

// AltNameKind distinguishes SAN entry types.
type AltNameKind string

const (
	AltNameDNS AltNameKind = "DNS"
	AltNameIP  AltNameKind = "IP"
)

// AltName is one numbered subject alternative name. DNS and IP entries are
// numbered independently from 1.
type AltName struct {
	Kind  AltNameKind `json:"kind"`
	Index int         `json:"index"`
	Value string      `json:"value"`
}

// String renders the entry in openssl config form, e.g. "DNS.1 = example.com".
func (a AltName) String() string {
	return fmt.Sprintf("%s.%d = %s", a.Kind, a.Index, a.Value)
}

// IP returns the parsed address for IP entries and nil otherwise.
func (a AltName) IP() net.IP {
	if a.Kind != AltNameIP {
		return nil
	}
	ip := net.ParseIP(a.Value)
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// SplitAltNames splits a raw comma-separated list, trimming whitespace and
// dropping empty entries.
func SplitAltNames(raw string) []string {
	var out []string
	for _, tok := range strings.Split(raw, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// ClassifyAltNames classifies each token of raw as an IP literal or a DNS
// name, in input order. Every token is kept, repeats included.
func ClassifyAltNames(raw string) []AltName {
	return classify(nil, SplitAltNames(raw))
}

// classify numbers leadingDNS and then tokens. A token repeating one of the
// leading names is skipped so a server CN is listed once; other repeats are
// kept.
func classify(leadingDNS []string, tokens []string) []AltName {
	out := make([]AltName, 0, len(leadingDNS)+len(tokens))
	var dnsIdx, ipIdx int
	for _, name := range leadingDNS {
		dnsIdx++
		out = append(out, AltName{Kind: AltNameDNS, Index: dnsIdx, Value: name})
	}
	for _, tok := range tokens {
		if net.ParseIP(tok) != nil {
			ipIdx++
			out = append(out, AltName{Kind: AltNameIP, Index: ipIdx, Value: tok})
			continue
		}
		if containsFold(leadingDNS, tok) {
			continue
		}
		dnsIdx++
		out = append(out, AltName{Kind: AltNameDNS, Index: dnsIdx, Value: tok})
	}
	return out
}

func containsFold(names []string, s string) bool {
	for _, n := range names {
		if strings.EqualFold(n, s) {
			return true
		}
	}
	return false
}
