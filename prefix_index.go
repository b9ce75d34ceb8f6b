package chatsync

import (
	"strings"
	"sync"
)

// ============================================================================
// PrefixIndex
// ============================================================================

type trieNode[ID comparable] struct {
	children    map[rune]*trieNode[ID]
	isEndOfWord bool
	owners      ownerSet[ID]
}

func newTrieNode[ID comparable]() *trieNode[ID] {
	return &trieNode[ID]{children: make(map[rune]*trieNode[ID])}
}

// ownerSet keeps ids in first-insertion order.
type ownerSet[ID comparable] struct {
	order []ID
	seen  map[ID]struct{}
}

func (s *ownerSet[ID]) add(id ID) {
	if s.seen == nil {
		s.seen = make(map[ID]struct{})
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *ownerSet[ID]) contains(id ID) bool {
	_, ok := s.seen[id]
	return ok
}

// PrefixIndex maps lowercase term prefixes to the ids of the records whose
// terms start with them. Every node on an inserted path records the owner,
// so a search is a single walk down the trie. It is safe for concurrent use.
type PrefixIndex[ID comparable] struct {
	mu   sync.RWMutex
	root *trieNode[ID]
}

// NewPrefixIndex creates an empty index.
func NewPrefixIndex[ID comparable]() *PrefixIndex[ID] {
	return &PrefixIndex[ID]{root: newTrieNode[ID]()}
}

// Insert indexes term for id. Repeated inserts are idempotent.
func (p *PrefixIndex[ID]) Insert(term string, id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	insertTerm(p.root, term, id)
}

func insertTerm[ID comparable](root *trieNode[ID], term string, id ID) {
	node := root
	node.owners.add(id)
	for _, ch := range strings.ToLower(term) {
		next, ok := node.children[ch]
		if !ok {
			next = newTrieNode[ID]()
			node.children[ch] = next
		}
		next.owners.add(id)
		node = next
	}
	node.isEndOfWord = true
}

// Search returns the ids owning a term that starts with prefix, in the order
// they were first indexed. An empty prefix returns every indexed id.
func (p *PrefixIndex[ID]) Search(prefix string) []ID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	node := p.walk(prefix)
	if node == nil {
		return []ID{}
	}
	out := make([]ID, len(node.owners.order))
	copy(out, node.owners.order)
	return out
}

// Contains reports whether id owns a term starting with prefix.
func (p *PrefixIndex[ID]) Contains(prefix string, id ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	node := p.walk(prefix)
	return node != nil && node.owners.contains(id)
}

// Len returns the number of distinct indexed ids.
func (p *PrefixIndex[ID]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.root.owners.order)
}

func (p *PrefixIndex[ID]) walk(prefix string) *trieNode[ID] {
	node := p.root
	for _, ch := range strings.ToLower(prefix) {
		next, ok := node.children[ch]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

// BuildFromCollection discards the current contents of idx and indexes every
// non-blank term returned by terms for each item. Readers observe either the
// old or the new trie, never a partial one.
func BuildFromCollection[T any, ID comparable](idx *PrefixIndex[ID], items []T, id func(T) ID, terms func(T) []string) {
	root := newTrieNode[ID]()
	for _, item := range items {
		owner := id(item)
		for _, term := range terms(item) {
			if strings.TrimSpace(term) == "" {
				continue
			}
			insertTerm(root, term, owner)
		}
	}

	idx.mu.Lock()
	idx.root = root
	idx.mu.Unlock()
}

// SearchTerms expands each value into itself plus its individual words, so
// "Bob Gurung" is found by both "bo" and "gu".
func SearchTerms(values ...string) []string {
	var terms []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		terms = append(terms, v)
		if words := strings.Fields(v); len(words) > 1 {
			terms = append(terms, words[1:]...)
		}
	}
	return terms
}

// ConversationTerms returns the searchable terms of a conversation.
func ConversationTerms(c Conversation) []string {
	values := []string{c.Name}
	if p := c.OtherParticipant; p != nil {
		values = append(values, p.DisplayName(), p.Username, p.Email)
	}
	return SearchTerms(values...)
}

// GroupTerms returns the searchable terms of a group.
func GroupTerms(g Group) []string {
	return SearchTerms(g.Name, g.Description, g.CreatedBy.Username, g.CreatedBy.FullName)
}

func conversationID(c Conversation) int64 { return c.ID }

func groupID(g Group) int64 { return g.ID }
