package network

import (
	"github.com/ZentaChain/zentalk-rudp/pkg/compression"
)

// Direction selects the compression layer for incoming or outgoing data.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// GenerateCompressionLayer builds the Huffman tree for dir from freq. Both
// ends must use the same table. Only allowed while inactive.
func (p *Peer) GenerateCompressionLayer(freq *compression.FrequencyTable, dir Direction) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.active.Load() {
		return ErrAlreadyActive
	}

	tree := compression.NewTree(freq)
	if dir == DirectionInput {
		p.inputTree = tree
	} else {
		p.outputTree = tree
	}
	return nil
}

// DeleteCompressionLayer removes the tree for dir. Only allowed while inactive.
func (p *Peer) DeleteCompressionLayer(dir Direction) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.active.Load() {
		return ErrAlreadyActive
	}

	tree := &p.outputTree
	if dir == DirectionInput {
		tree = &p.inputTree
	}
	if *tree == nil {
		return compression.ErrNoTree
	}
	*tree = nil
	return nil
}

// SetCompileFrequencyTable turns sampling of outgoing messages on or off.
func (p *Peer) SetCompileFrequencyTable(on bool) {
	p.freqMu.Lock()
	p.trackFrequency = on
	p.freqMu.Unlock()
}

// GetOutgoingFrequencyTable returns the sampled byte frequencies of
// outgoing messages. Sampling must be on and the peer inactive.
func (p *Peer) GetOutgoingFrequencyTable() (compression.FrequencyTable, error) {
	if p.active.Load() {
		return compression.FrequencyTable{}, ErrAlreadyActive
	}
	p.freqMu.Lock()
	defer p.freqMu.Unlock()
	if !p.trackFrequency {
		return compression.FrequencyTable{}, ErrFrequencyTracking
	}
	return p.frequency, nil
}

// GetCompressionRatio is compressed bytes over raw bytes sent, or 0.
func (p *Peer) GetCompressionRatio() float64 {
	raw := p.rawBytesSent.Load()
	if raw == 0 {
		return 0
	}
	return float64(p.compressedBytesSent.Load()) / float64(raw)
}

// GetDecompressionRatio is decompressed bytes over compressed bytes received, or 0.
func (p *Peer) GetDecompressionRatio() float64 {
	compressed := p.compressedBytesReceived.Load()
	if compressed == 0 {
		return 0
	}
	return float64(p.rawBytesReceived.Load()) / float64(compressed)
}

func (p *Peer) compress(data []byte) []byte {
	p.freqMu.Lock()
	if p.trackFrequency {
		p.frequency.Add(data)
	}
	p.freqMu.Unlock()

	if p.outputTree == nil {
		return data
	}
	out := p.outputTree.Encode(data)
	p.rawBytesSent.Add(uint64(len(data)))
	p.compressedBytesSent.Add(uint64(len(out)))
	return out
}

func (p *Peer) decompress(data []byte) []byte {
	if p.inputTree == nil {
		return data
	}
	out := p.inputTree.Decode(data)
	p.compressedBytesReceived.Add(uint64(len(data)))
	p.rawBytesReceived.Add(uint64(len(out)))
	return out
}
