// Package domain classifies peer hostnames for diagnostic logging: two
// BinkP nodes sharing a registrable domain (mail1.example.net,
// mail2.example.net) are easy to spot as the same operator in logs even
// when their node numbers differ.
package domain

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractRegistrableDomain returns the eTLD+1 of a peer hostname, e.g.
// "mail.example.co.uk" -> "example.co.uk", "bbs.fido.net:24554" ->
// "fido.net". Returns "" for bare IP addresses, private PSL suffixes, and
// anything else that isn't a real registrable domain — callers fall back
// to the raw host string in that case.
func ExtractRegistrableDomain(hostname string) string {
	if hostname == "" {
		return ""
	}

	host := hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if net.ParseIP(host) != nil {
		return ""
	}

	host = strings.ToLower(strings.TrimRight(host, "."))
	if host == "" {
		return ""
	}

	if _, icann := publicsuffix.PublicSuffix(host); !icann {
		return ""
	}

	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return d
}
