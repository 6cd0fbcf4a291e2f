package hostrules

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches request URLs by host name and, optionally, path prefix.
// A host of the form `*.example.com` matches every subdomain of example.com
// but not example.com itself.
type Rule struct {
	Host   string `yaml:"host"`
	Prefix string `yaml:"prefix"`
}

// Hosts creates one rule per host name.
func Hosts(hosts ...string) Rules {
	rules := make(Rules, 0, len(hosts))
	for _, h := range hosts {
		rules = append(rules, Rule{Host: h})
	}
	return rules
}

// Match reports whether any rule matches the URL.
func (r Rules) Match(u *url.URL) bool {
	return r.find(u) != nil
}

func (r Rules) find(u *url.URL) *Rule {
	hostname := strings.ToLower(u.Hostname())
	for i := range r {
		rule := &r[i]
		if !rule.matchesHost(hostname) {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		log.Trace().Str("host", hostname).Str("rule", rule.Host).Msg("Host rule matched")
		return rule
	}
	return nil
}

func (rule Rule) matchesHost(hostname string) bool {
	pattern := strings.ToLower(strings.TrimSpace(rule.Host))
	if pattern == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(hostname, "."+suffix)
	}
	return hostname == pattern
}
