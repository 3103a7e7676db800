package relaycache

import (
	"fmt"
	"net/http"
)

// viaProduct is the identifier this cache adds to a message's Via header
// chain per RFC 2616 §14.45.
const viaProduct = "relaycache/1"

// addVia appends this cache's Via entry. The protocol-name token is omitted
// for "http" and included for anything else, exactly as observed in the
// source this behavior was distilled from — an asymmetry left uncorrected
// per the design notes.
func addVia(header http.Header, proto string, major, minor int) {
	protoName, _ := splitProto(proto)
	var entry string
	if protoName == "" || equalFoldASCII(protoName, "http") {
		entry = fmt.Sprintf("%d.%d %s (%s (cache))", major, minor, hostPseudonym(), viaProduct)
	} else {
		entry = fmt.Sprintf("%s/%d.%d %s (%s (cache))", protoName, major, minor, hostPseudonym(), viaProduct)
	}
	header.Add("Via", entry)
}

func splitProto(proto string) (name, version string) {
	for i := 0; i < len(proto); i++ {
		if proto[i] == '/' {
			return proto[:i], proto[i+1:]
		}
	}
	return proto, ""
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func hostPseudonym() string {
	return "relaycache"
}
