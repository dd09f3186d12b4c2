// Package tls builds crypto/tls configurations from certificate files: the
// data-plane listener (optionally requiring client certificates) and the
// outbound transport to upstream services (private CA, client certificate).
package tls
