package inspect

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// curlOmittedHeaders are not reproduced in synthesized commands. Host is
// implied by the URL and curl computes its own Content-Length.
var curlOmittedHeaders = map[string]struct{}{
	"host":           {},
	"content-length": {},
}

// Curl synthesizes a curl command that replays the captured request
// against the public URL. Header values are not redacted here so the
// command works as-is.
func Curl(ex *Exchange, domain string) string {
	var b strings.Builder
	b.WriteString("curl")

	if ex.Request.Method != "" && ex.Request.Method != "GET" {
		b.WriteString(" -X ")
		b.WriteString(ex.Request.Method)
	}

	names := make([]string, 0, len(ex.Request.Headers))
	for name := range ex.Request.Headers {
		if _, omit := curlOmittedHeaders[strings.ToLower(name)]; omit {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(" -H ")
		b.WriteString(shellQuote(fmt.Sprintf("%s: %s", name, ex.Request.Headers[name])))
	}

	if len(ex.Request.Body) > 0 {
		b.WriteString(" -d ")
		b.WriteString(shellQuote(string(ex.Request.Body)))
	}

	b.WriteString(" ")
	b.WriteString(shellQuote(publicRequestURL(ex, domain)))
	return b.String()
}

// publicRequestURL rebuilds the request URL on the tunnel's public host.
func publicRequestURL(ex *Exchange, domain string) string {
	u := fmt.Sprintf("https://%s.%s%s", ex.Subdomain, domain, ex.Request.Path)
	if len(ex.Request.Query) > 0 {
		values := url.Values{}
		for k, v := range ex.Request.Query {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}
	return u
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// with the '\'' idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
