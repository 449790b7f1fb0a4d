// Package iceconfig loads the STUN/TURN server list shared by the relay
// (served to browsers) and the call agent (handed to pion).
//
//	ice_servers:
//	  - urls: stun:stun.l.google.com:19302
//	  - urls: [turn:turn.example.com:3478, turns:turn.example.com:5349]
//	    username: carecall
//	    credential: s3cret
package iceconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// DefaultSTUN is used when no file is configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Server is one entry, shaped like the browser RTCIceServer dictionary.
type Server struct {
	URLs       URLList `yaml:"urls" json:"urls"`
	Username   string  `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string  `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// URLList accepts a single URL or a list of them.
type URLList []string

// UnmarshalYAML supports both forms:
//
//	urls: stun:a
//	urls: [stun:a, stun:b]
func (u *URLList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*u = URLList{value.Value}
		return nil
	}

	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*u = list
	return nil
}

// Config is the file layout.
type Config struct {
	Servers []Server `yaml:"ice_servers"`
}

// Default returns a config with the public STUN server only.
func Default() *Config {
	return &Config{Servers: []Server{{URLs: URLList{DefaultSTUN}}}}
}

// Load reads path. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ice config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ice config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks URL schemes and that TURN entries carry credentials.
func (c *Config) Validate() error {
	for i, s := range c.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice server %d: urls is required", i)
		}
		for _, u := range s.URLs {
			scheme, _, _ := strings.Cut(u, ":")
			switch scheme {
			case "stun", "stuns":
			case "turn", "turns":
				if s.Username == "" || s.Credential == "" {
					return fmt.Errorf("ice server %d: %s needs username and credential", i, u)
				}
			default:
				return fmt.Errorf("ice server %d: unsupported url %q", i, u)
			}
		}
	}
	return nil
}

// WebRTC converts the list for webrtc.Configuration.
func (c *Config) WebRTC() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}
