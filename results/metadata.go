package results

import (
	"net/url"
	"regexp"
	"sort"

	"github.com/teleview/teleview-server/metadata"
)

// serverKeyRe is a regexp that matches any server related key.
var serverKeyRe = regexp.MustCompile("^server_")

// ClientMetadata returns the query parameters of a session request that are
// not reserved, sorted by name. Keys starting with "server_" and the keys in
// reserved are skipped.
func ClientMetadata(values url.Values, reserved ...string) []metadata.NameValue {
	skip := make(map[string]bool, len(reserved))
	for _, k := range reserved {
		skip[k] = true
	}
	var m []metadata.NameValue
	for name, v := range values {
		if skip[name] || serverKeyRe.MatchString(name) || len(v) == 0 {
			continue
		}
		m = append(m, metadata.NameValue{Name: name, Value: v[0]})
	}
	sort.Slice(m, func(i, j int) bool { return m[i].Name < m[j].Name })
	return m
}
