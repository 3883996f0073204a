package supervisor

import (
	"net"
	"sort"
	"strconv"
	"strings"
)

// Endpoint is where a live worker accepts requests.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func localEndpoint(port int) Endpoint { return Endpoint{Host: "localhost", Port: port} }

// Address returns host:port.
func (e Endpoint) Address() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// URL returns the worker API base URL.
func (e Endpoint) URL() string { return "http://" + e.Address() + "/api" }

// Credentials maps a provider name (e.g. "openai") to its API key.
type Credentials map[string]string

// providerEnv holds the fixed environment variable of each supported provider.
var providerEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// EnvName returns the environment variable carrying provider's key.
func EnvName(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if v, ok := providerEnv[p]; ok {
		return v
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(p)) + "_API_KEY"
}

// Env returns the variables injected into the worker. Supported providers are
// always present, empty when no key was given.
func (c Credentials) Env() map[string]string {
	out := make(map[string]string, len(providerEnv)+len(c))
	for _, name := range providerEnv {
		out[name] = ""
	}
	for p, key := range c {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out[EnvName(p)] = key
	}
	return out
}

// Providers returns the supported provider names, sorted.
func Providers() []string {
	out := make([]string, 0, len(providerEnv))
	for p := range providerEnv {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
