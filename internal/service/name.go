// Package service provides per-service request queues and the process-wide
// registry that groups fetch requests by canonical service name. A service
// is the host[:port] part of a URL; all requests that address the same HTTP
// endpoint share one queue, one concurrency cap, and one fairness state.
package service

// CanonicalServiceName extracts the canonical service name from a URL of the
// form (scheme "://")? (userinfo "@")? host (":" port)? path. The result is
// the lowercased host, with ":port" appended unless the port is 80.
//
// Two URLs that address the same HTTP endpoint produce the same name. The
// scanner follows RFC 3986 Appendix A closely enough for fetch URLs: the
// authority is terminated by the first '/' after the scheme separator or by
// the end of the string, userinfo never contains '@', and a port never
// contains ':'.
func CanonicalServiceName(url string) string {
	var (
		schemeColon = -1
		schemeSlash = -1
		firstAt     = -1
		portColon   = -1
	)

	name := make([]byte, 0, len(url))
	hostname := 0 // default when there is no "scheme://userinfo@" prefix

	i := 0
	for ; i < len(url); i++ {
		c := url[i]
		switch c {
		case ':':
			if portColon < 0 && i+1 < len(url) && isDigit(url[i+1]) {
				portColon = i
			} else if schemeColon < 0 && schemeSlash < 0 && firstAt < 0 && portColon < 0 {
				// A colon before any slash or at-sign has to be the one
				// between the scheme and the hier-part.
				schemeColon = i
			}
		case '/':
			if schemeSlash < 0 && schemeColon == i-1 && firstAt < 0 && i+1 < len(url) && url[i+1] == '/' {
				// First '/' of the "://" separator: the authority starts
				// right after it.
				schemeSlash = i
				i++
				hostname = i + 1
				name = name[:0]
				continue
			}
			// A slash outside "://" ends the authority.
			return stripDefaultPort(name, url, i, portColon, hostname)
		case '@':
			if firstAt < 0 {
				firstAt = i
				hostname = i + 1
				name = name[:0]
			}
		}

		if i >= hostname {
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			name = append(name, c)
		}
	}

	return stripDefaultPort(name, url, i, portColon, hostname)
}

// stripDefaultPort removes a trailing ":80" from the accumulated name.
// end is the index one past the last authority byte in the original URL.
func stripDefaultPort(name []byte, url string, end, portColon, hostname int) string {
	if portColon >= 0 && end-3 == portColon && end >= 2 && url[end-1] == '0' && url[end-2] == '8' {
		return string(name[:end-hostname-3])
	}
	return string(name)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
