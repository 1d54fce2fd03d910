package handoff

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Descriptor is the launch configuration the consumer hands to the producer
// process: the record name plus how to reach the consumer's control channel.
type Descriptor struct {
	Name            string    `yaml:"name"`
	ConsumerPID     ProcessID `yaml:"consumer_pid"`
	ControlEndpoint string    `yaml:"control_endpoint,omitempty"`
	// ControlKey is the hex-encoded session key for the control channel.
	ControlKey string `yaml:"control_key,omitempty"`
}

// Validate checks the fields a producer needs.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("handoff: descriptor has no record name")
	}
	if d.ConsumerPID == 0 {
		return errors.New("handoff: descriptor has no consumer pid")
	}
	return nil
}

// WriteDescriptor writes d to path, replacing any previous file atomically.
func WriteDescriptor(path string, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(&d)
	if err != nil {
		return fmt.Errorf("handoff: marshal descriptor: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("handoff: create descriptor dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".descriptor-*.yaml")
	if err != nil {
		return fmt.Errorf("handoff: create descriptor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("handoff: write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("handoff: write descriptor: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("handoff: chmod descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("handoff: install descriptor: %w", err)
	}
	return nil
}

// ReadDescriptor loads and validates a descriptor written by WriteDescriptor.
func ReadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("handoff: read descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("handoff: parse descriptor %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
