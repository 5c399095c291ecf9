// Package compression implements the optional Huffman layer applied to
// application payloads.
//
// Both ends must build their trees from the same frequency table. Every
// symbol gets a weight of at least one, so the tree always holds all 256
// leaves and decoding can never dead-end.
package compression

import (
	"errors"
)

var ErrNoTree = errors.New("compression layer not generated")

// FrequencyTable counts occurrences of each byte value.
type FrequencyTable [256]uint32

// Add counts every byte of data. Counts saturate instead of wrapping.
func (f *FrequencyTable) Add(data []byte) {
	for _, b := range data {
		if f[b] != ^uint32(0) {
			f[b]++
		}
	}
}

type node struct {
	weight      uint64
	value       byte
	left, right int // -1 for leaves
}

type code struct {
	bits   []byte // left aligned
	length int
}

// Tree is an immutable Huffman tree with its encoding table.
type Tree struct {
	nodes []node
	root  int
	table [256]code
}

// NewTree builds a tree from freq. Zero weights are raised to one.
func NewTree(freq *FrequencyTable) *Tree {
	t := &Tree{nodes: make([]node, 0, 511)}

	// Insertion-sorted work list of node indices, ascending by weight.
	list := make([]int, 0, 256)
	for i := 0; i < 256; i++ {
		w := uint64(freq[i])
		if w == 0 {
			w = 1
		}
		t.nodes = append(t.nodes, node{weight: w, value: byte(i), left: -1, right: -1})
		list = t.insertSorted(list, len(t.nodes)-1)
	}

	for len(list) > 1 {
		lesser, greater := list[0], list[1]
		list = list[2:]
		t.nodes = append(t.nodes, node{
			weight: t.nodes[lesser].weight + t.nodes[greater].weight,
			left:   lesser,
			right:  greater,
		})
		list = t.insertSorted(list, len(t.nodes)-1)
	}
	t.root = list[0]

	t.buildTable(t.root, nil, 0)
	return t
}

func (t *Tree) insertSorted(list []int, idx int) []int {
	w := t.nodes[idx].weight
	pos := len(list)
	for i, other := range list {
		if w < t.nodes[other].weight {
			pos = i
			break
		}
	}
	list = append(list, 0)
	copy(list[pos+1:], list[pos:])
	list[pos] = idx
	return list
}

func (t *Tree) buildTable(idx int, path []byte, depth int) {
	n := t.nodes[idx]
	if n.left < 0 {
		bits := make([]byte, (depth+7)/8)
		copy(bits, path)
		t.table[n.value] = code{bits: bits, length: depth}
		return
	}

	if depth/8 >= len(path) {
		path = append(path, 0)
	}
	left := append([]byte(nil), path...)
	right := append([]byte(nil), path...)
	right[depth/8] |= 0x80 >> (depth % 8)

	t.buildTable(n.left, left, depth+1)
	t.buildTable(n.right, right, depth+1)
}

// CodeLength returns the number of bits used to encode b.
func (t *Tree) CodeLength(b byte) int {
	return t.table[b].length
}

// Encode compresses src. The output is byte aligned: a partial last byte is
// filled with the prefix of a code longer than the free bits, so the padding
// never completes a symbol.
func (t *Tree) Encode(src []byte) []byte {
	var w BitWriter
	for _, b := range src {
		c := t.table[b]
		w.WriteBits(c.bits, c.length)
	}

	if rem := w.Len() % 8; rem != 0 {
		free := 8 - rem
		for i := 0; i < 256; i++ {
			if c := t.table[i]; c.length > free {
				w.WriteBits(c.bits, free)
				break
			}
		}
	}
	return w.Bytes()
}

// Decode expands src, walking the tree bit by bit and restarting at the root
// on every leaf.
func (t *Tree) Decode(src []byte) []byte {
	out := make([]byte, 0, len(src)*2)
	r := NewBitReader(src, len(src)*8)
	cur := t.root
	for {
		one, ok := r.ReadBit()
		if !ok {
			return out
		}
		if one {
			cur = t.nodes[cur].right
		} else {
			cur = t.nodes[cur].left
		}
		if t.nodes[cur].left < 0 {
			out = append(out, t.nodes[cur].value)
			cur = t.root
		}
	}
}
