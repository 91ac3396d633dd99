// Package config loads and validates the declarative daemon configuration.
// Unknown keys and dangling connection edges are fatal errors.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/policy"
)

// Listen is one bind endpoint for the RPC listener.
type Listen struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port,omitempty"`
}

// DefaultPort is used when a listen entry does not name one.
const DefaultPort uint16 = 59661

// Machine describes one managed resource and its permission set.
type Machine struct {
	Description          string `yaml:"description,omitempty"`
	Disclose             string `yaml:"disclose"`
	Read                 string `yaml:"read"`
	Write                string `yaml:"write"`
	Manage               string `yaml:"manage"`
	InitiatorDefaultPerm string `yaml:"initiator_default_perm,omitempty"`
}

// Module configures one actuator or initiator instance.
type Module struct {
	Module string            `yaml:"module"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Connection is one machine↔adapter edge.
type Connection struct {
	Machine string `yaml:"machine"`
	Adapter string `yaml:"adapter"`
}

// Config is the full daemon configuration document.
type Config struct {
	Listens          []Listen               `yaml:"listens"`
	Machines         map[string]Machine     `yaml:"machines"`
	Actors           map[string]Module      `yaml:"actors,omitempty"`
	Initiators       map[string]Module      `yaml:"initiators,omitempty"`
	ActorConnections []Connection           `yaml:"actor_connections,omitempty"`
	InitConnections  []Connection           `yaml:"init_connections,omitempty"`
	Roles            map[string]policy.Role `yaml:"roles"`
	DBPath           string                 `yaml:"db_path"`
	MqttURL          string                 `yaml:"mqtt_url,omitempty"`
	NatsURL          string                 `yaml:"nats_url,omitempty"`
	MetricsListen    string                 `yaml:"metrics_listen,omitempty"`
	TraceEnabled     bool                   `yaml:"trace_enabled,omitempty"`
	Certfile         string                 `yaml:"certfile,omitempty"`
	Keyfile          string                 `yaml:"keyfile,omitempty"`
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a configuration document. Unrecognized keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Render serializes cfg back to YAML. parse(render(c)) == c modulo map
// ordering.
func (c *Config) Render() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("config: render: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: render: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks cross references. Edges naming unknown machines or modules
// are fatal per the configuration contract.
func (c *Config) Validate() error {
	if len(c.Listens) == 0 {
		return fmt.Errorf("config: at least one listen endpoint required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path required")
	}
	for name, m := range c.Machines {
		if m.Read == "" || m.Write == "" || m.Manage == "" || m.Disclose == "" {
			return fmt.Errorf("config: machine %q: disclose/read/write/manage permissions are all required", name)
		}
	}
	for _, edge := range c.ActorConnections {
		if _, ok := c.Machines[edge.Machine]; !ok {
			return fmt.Errorf("config: actor_connections: unknown machine %q", edge.Machine)
		}
		if _, ok := c.Actors[edge.Adapter]; !ok {
			return fmt.Errorf("config: actor_connections: unknown actor %q", edge.Adapter)
		}
	}
	for _, edge := range c.InitConnections {
		if _, ok := c.Machines[edge.Machine]; !ok {
			return fmt.Errorf("config: init_connections: unknown machine %q", edge.Machine)
		}
		if _, ok := c.Initiators[edge.Adapter]; !ok {
			return fmt.Errorf("config: init_connections: unknown initiator %q", edge.Adapter)
		}
	}
	for name, role := range c.Roles {
		for _, parent := range role.Parents {
			if _, ok := c.Roles[parent]; !ok {
				return fmt.Errorf("config: role %q: unknown parent %q", name, parent)
			}
		}
	}
	return nil
}

// Resource converts a machine entry into its immutable runtime description.
func (c *Config) Resource(name string) models.Resource {
	m := c.Machines[name]
	return models.Resource{
		ID:                   name,
		Description:          m.Description,
		DisclosePerm:         m.Disclose,
		ReadPerm:             m.Read,
		WritePerm:            m.Write,
		ManagePerm:           m.Manage,
		InitiatorDefaultPerm: m.InitiatorDefaultPerm,
	}
}
