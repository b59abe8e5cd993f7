package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk form of the session policy. Format follows the
// file extension: .yaml/.yml or .toml.
type PolicyFile struct {
	Instructions            string   `yaml:"instructions" toml:"instructions"`
	Voice                   string   `yaml:"voice" toml:"voice"`
	Temperature             *float64 `yaml:"temperature" toml:"temperature"`
	MaxResponseOutputTokens *int     `yaml:"max_response_output_tokens" toml:"max_response_output_tokens"`
}

func LoadPolicyFile(path string) (PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file %q: %w", path, err)
	}

	var pf PolicyFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&pf); err != nil {
			return PolicyFile{}, fmt.Errorf("parse policy file %q: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(raw), &pf)
		if err != nil {
			return PolicyFile{}, fmt.Errorf("parse policy file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return PolicyFile{}, fmt.Errorf("parse policy file %q: unknown key %q", path, undecoded[0].String())
		}
	default:
		return PolicyFile{}, fmt.Errorf("policy file %q: unsupported extension %q (want .yaml, .yml or .toml)", path, ext)
	}

	pf.Instructions = strings.TrimSpace(pf.Instructions)
	pf.Voice = strings.TrimSpace(pf.Voice)
	return pf, nil
}

func (pf PolicyFile) merge(p PolicyConfig) PolicyConfig {
	p.Instructions = pf.Instructions
	p.Voice = pf.Voice
	p.Temperature = pf.Temperature
	p.MaxResponseOutputTokens = pf.MaxResponseOutputTokens
	return p
}

// ResolvePolicy layers the policy file (when File is set), then the
// VOICERAG_* policy variables, then defaults over p. It is also used to
// reload the policy after the file changes.
func ResolvePolicy(p PolicyConfig) (PolicyConfig, error) {
	if p.File != "" {
		file, err := LoadPolicyFile(p.File)
		if err != nil {
			return PolicyConfig{}, err
		}
		p = file.merge(p)
	}
	if err := applyPolicyEnv(&p); err != nil {
		return PolicyConfig{}, err
	}
	if p.Instructions == "" {
		p.Instructions = DefaultInstructions
	}
	if p.Voice == "" {
		p.Voice = DefaultVoice
	}
	if err := p.validate(); err != nil {
		return PolicyConfig{}, err
	}
	return p, nil
}

func (p PolicyConfig) validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("VOICERAG_TEMPERATURE must be between 0 and 2")
	}
	if p.MaxResponseOutputTokens != nil && *p.MaxResponseOutputTokens <= 0 {
		return fmt.Errorf("VOICERAG_MAX_RESPONSE_OUTPUT_TOKENS must be > 0")
	}
	return nil
}
