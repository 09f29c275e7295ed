package prompt

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Prompts are plain data, so the standard encoders apply directly. Decoding
// normalizes absent maps back to empty ones so a round-tripped prompt
// compares equal to its original.

// EncodeJSON serializes the prompt as JSON.
func (p *Prompt) EncodeJSON() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("prompt: encoding JSON: %w", err)
	}
	return data, nil
}

// DecodeJSON restores a prompt serialized by [Prompt.EncodeJSON].
func DecodeJSON(data []byte) (*Prompt, error) {
	var p Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("prompt: decoding JSON: %w", err)
	}
	p.normalize()
	return &p, nil
}

// EncodeGob serializes the prompt in gob form, the compact format used for
// on-disk prompt caches.
func (p *Prompt) EncodeGob() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("prompt: encoding gob: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGob restores a prompt serialized by [Prompt.EncodeGob].
func DecodeGob(data []byte) (*Prompt, error) {
	var p Prompt
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("prompt: decoding gob: %w", err)
	}
	p.normalize()
	return &p, nil
}

// normalize replaces nil maps (how both decoders represent empty ones) with
// empty maps, preserving the round-trip equality law.
func (p *Prompt) normalize() {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	if p.Constants == nil {
		p.Constants = make(map[string]string)
	}
	if p.VariableDefs == nil {
		p.VariableDefs = make(map[string]string)
	}
	if p.Sections == nil {
		p.Sections = make(map[string]string)
	}
	if p.CallSites == nil {
		p.CallSites = make(map[string][]CallSite)
	}
}
