// Package configuration loads the JSON document described in spec.md §6:
// the local replica's name and an ordered list of peers, each
// {name, ip, port}. Peer order fixes each peer's partition index.
//
// Loading is a deliberate two-stage split, mirroring the teacher's own
// raw-JSON-then-validated-struct shape (configuration.ConfigurationJSON
// vs. configuration.Configuration in goshawkdb): viper owns locating and
// decoding the file, validate() owns the domain invariants (valid IP
// literals, mandatory keys, the local name appearing in its own peer
// list) the way original_source/src/config/config.cc's
// parse_mandatory_keys/format_ip do.
package configuration

import (
	"fmt"
	"net"

	"github.com/spf13/viper"
)

// PeerConfig is one entry of the configured peer list.
type PeerConfig struct {
	Name string `mapstructure:"name"`
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
}

type rawDocument struct {
	Name  string       `mapstructure:"name"`
	Peers []PeerConfig `mapstructure:"peers"`
}

// Configuration is the validated, immutable configuration for one
// replica process. Peers is ordered; an entry's slice index is its
// partition index (spec.md §3, §6).
type Configuration struct {
	Name  string
	Peers []PeerConfig
	Self  int // index of Name within Peers
}

// N is the cluster size.
func (c *Configuration) N() int { return len(c.Peers) }

// PartitionIndex is this replica's residue-class index.
func (c *Configuration) PartitionIndex() int { return c.Self }

// envPrefix namespaces the environment-override keys viper exposes on
// top of the document, e.g. LEGISLATOR_NAME overrides the "name" key.
const envPrefix = "legislator"

// LoadFromPath reads and validates the configuration document at path
// for the replica named replicaName. Any failure here is, per spec.md
// §7, a fatal configuration error that the caller should report and
// exit(1) on.
func LoadFromPath(path, replicaName string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	var raw rawDocument
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("configuration: malformed document: %w", err)
	}
	// AutomaticEnv only affects keys viper is explicitly asked about, so
	// the top-level scalar fields need a BindEnv each; "peers" is a
	// nested slice and is deliberately left to the document itself.
	if err := v.BindEnv("name"); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if name := v.GetString("name"); name != "" {
		raw.Name = name
	}

	return validate(&raw, replicaName)
}

func validate(raw *rawDocument, replicaName string) (*Configuration, error) {
	if len(raw.Peers) == 0 {
		return nil, fmt.Errorf("configuration: %q key is missing or empty", "peers")
	}

	seen := make(map[string]bool, len(raw.Peers))
	peers := make([]PeerConfig, len(raw.Peers))
	selfIndex := -1

	for i, p := range raw.Peers {
		if p.Name == "" {
			return nil, fmt.Errorf("configuration: peer %d is missing %q", i, "name")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("configuration: duplicate peer name %q", p.Name)
		}
		seen[p.Name] = true

		if net.ParseIP(p.IP) == nil {
			return nil, fmt.Errorf("configuration: peer %q has an invalid ip literal %q", p.Name, p.IP)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return nil, fmt.Errorf("configuration: peer %q has an illegal port %d", p.Name, p.Port)
		}

		peers[i] = p
		if p.Name == replicaName {
			selfIndex = i
		}
	}

	if selfIndex == -1 {
		return nil, fmt.Errorf("configuration: replica name %q given on the command line is not present in the peer list", replicaName)
	}

	return &Configuration{Name: replicaName, Peers: peers, Self: selfIndex}, nil
}
