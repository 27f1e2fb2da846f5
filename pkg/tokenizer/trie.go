package tokenizer

import "fmt"

// trie maps byte sequences to token ids with longest-prefix matching.
type trie struct {
	children map[byte]*trie
	id       int32
	end      bool
}

func newTrie() *trie {
	return &trie{children: map[byte]*trie{}}
}

// insert adds a vocabulary entry to the trie.
func (t *trie) insert(word []byte, id int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length vocabulary entry not supported")
	}
	cur := t
	for i := 0; i < len(word); i++ {
		index := word[i]
		if cur.children[index] == nil {
			cur.children[index] = newTrie()
		}
		cur = cur.children[index]
	}
	cur.end = true
	cur.id = id
	return nil
}

// match walks the trie from the start of input and returns the id of the
// longest vocabulary entry found plus the number of bytes it consumed.
// A miss consumes one byte and reports ok=false.
func (t *trie) match(input []byte) (id int32, n int, ok bool) {
	cur := t
	n = 1
	for next := 0; next < len(input); next++ {
		child := cur.children[input[next]]
		if child == nil {
			break
		}
		cur = child
		if cur.end {
			id = cur.id
			n = next + 1
			ok = true
		}
	}
	return id, n, ok
}
