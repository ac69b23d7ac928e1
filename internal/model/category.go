package model

// CategoryNode is one node of the category definition. Children are node ID
// references, so a node may appear under several parents.
type CategoryNode struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Tags     []string `json:"tags" yaml:"tags"`
	Emoji    string   `json:"emoji,omitempty" yaml:"emoji"`
	SFSymbol string   `json:"sf_symbol,omitempty" yaml:"sf_symbol"`
	Children []string `json:"children,omitempty" yaml:"children"`
}

// CategoryDefinition is the static, human-maintained category hierarchy and
// the closed tag vocabulary derived from it.
type CategoryDefinition struct {
	Markers []string       `json:"markers" yaml:"markers"`
	Roots   []string       `json:"roots" yaml:"roots"`
	Nodes   []CategoryNode `json:"nodes" yaml:"nodes"`
}

// RecordRef is a record placed under a category.
type RecordRef struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// CategoryTree is an assembled category with its matched records.
type CategoryTree struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Emoji    string          `json:"emoji,omitempty"`
	SFSymbol string          `json:"sf_symbol,omitempty"`
	Count    int             `json:"count"`
	Total    int             `json:"total"`
	Records  []RecordRef     `json:"records,omitempty"`
	Children []*CategoryTree `json:"children,omitempty"`
}

// Walk visits t and every descendant depth-first.
func (t *CategoryTree) Walk(fn func(node *CategoryTree, depth int)) {
	var visit func(n *CategoryTree, depth int)
	visit = func(n *CategoryTree, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	if t != nil {
		visit(t, 0)
	}
}
