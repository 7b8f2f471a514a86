package api

import "net/http"

// userFromRequest extracts the caller identity from the verified client
// certificate chain on an mTLS connection, mirroring the teacher's
// grpc/user.go peer-context extraction adapted from grpc/peer.Peer to
// net/http's tls.ConnectionState.
func userFromRequest(r *http.Request) (user string, ok bool) {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return "", false
	}
	return r.TLS.VerifiedChains[0][0].Subject.CommonName, true
}
