package features

import "strings"

// domainAllowlist is a suffix-matching set of hostnames considered routine
// CI/CD traffic. It is implemented as a reversed-label trie so a suffix
// match (e.g. "pkg.github.com" under "github.com") is O(labels) rather
// than a linear scan, while a look-alike host ("evil-github.com") never
// matches "github.com" since label boundaries are respected.
type domainAllowlist struct {
	root *domainNode
}

type domainNode struct {
	children map[string]*domainNode
	terminal bool
}

func newDomainAllowlist(hosts []string) *domainAllowlist {
	a := &domainAllowlist{root: &domainNode{children: map[string]*domainNode{}}}
	for _, h := range hosts {
		a.add(h)
	}
	return a
}

func (a *domainAllowlist) add(host string) {
	labels := reversedLabels(host)
	node := a.root
	for _, l := range labels {
		next, ok := node.children[l]
		if !ok {
			next = &domainNode{children: map[string]*domainNode{}}
			node.children[l] = next
		}
		node = next
	}
	node.terminal = true
}

// isTrusted reports whether host is covered by an allowlist entry, i.e.
// the entry is a full-label suffix of host.
func (a *domainAllowlist) isTrusted(host string) bool {
	labels := reversedLabels(host)
	node := a.root
	for _, l := range labels {
		next, ok := node.children[l]
		if !ok {
			return false
		}
		node = next
		if node.terminal {
			return true
		}
	}
	return node.terminal
}

func reversedLabels(host string) []string {
	parts := strings.Split(strings.ToLower(host), ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// trustedDomains is the fixed, hardcoded allowlist of CI/CD,
// package-registry, cloud, CDN, runtime, and documentation hosts,
// versioned with the binary rather than loaded from config.
var trustedDomains = newDomainAllowlist([]string{
	// CI/CD platforms
	"github.com", "githubusercontent.com", "githubassets.com", "github.io",
	"gitlab.com", "gitlab.io", "bitbucket.org", "circleci.com",
	"travis-ci.com", "travis-ci.org", "azure.com", "dev.azure.com",
	"visualstudio.com", "jenkins.io", "buildkite.com", "appveyor.com",
	"drone.io", "teamcity.com",

	// package registries
	"npmjs.org", "npmjs.com", "registry.npmjs.org", "pypi.org",
	"pythonhosted.org", "files.pythonhosted.org", "rubygems.org",
	"crates.io", "maven.org", "maven.apache.org", "repo1.maven.org",
	"nuget.org", "packagist.org", "golang.org", "pkg.go.dev", "proxy.golang.org",
	"sum.golang.org", "hex.pm", "conda.io", "anaconda.org",
	"debian.org", "ubuntu.com", "archlinux.org", "alpinelinux.org",
	"centos.org", "fedoraproject.org",

	// container/image registries
	"docker.com", "docker.io", "hub.docker.com", "registry.hub.docker.com",
	"ghcr.io", "quay.io", "gcr.io", "k8s.io", "registry.k8s.io",

	// cloud providers
	"amazonaws.com", "aws.amazon.com", "s3.amazonaws.com", "azure.com",
	"windows.net", "core.windows.net", "googleapis.com", "google.com",
	"gstatic.com", "storage.googleapis.com", "cloud.google.com",
	"digitalocean.com", "heroku.com", "herokucdn.com", "cloudflare.com",
	"fastly.net", "akamai.net", "akamaihd.net",

	// CDN/static hosting
	"jsdelivr.net", "cdnjs.cloudflare.com", "unpkg.com", "jquery.com",
	"bootstrapcdn.com", "googleapis.com",

	// language/runtime distribution
	"nodejs.org", "python.org", "oracle.com", "openjdk.org",
	"rust-lang.org", "ruby-lang.org", "php.net",

	// documentation/reference
	"readthedocs.org", "readthedocs.io", "rtfd.io", "godoc.org",
	"stackoverflow.com", "sentry.io", "codecov.io", "coveralls.io",
	"sonarcloud.io", "snyk.io",
})
