package models

type Conversation struct {
	ID      int       `db:"id"`
	Subject string    `db:"subject"`
	HeapID  int       `db:"heap_id"`
	RootID  MessageID `db:"root_message_id"`

	Labels []string `db:"-"`
}

// A message in a rendered conversation tree.
type ThreadNode struct {
	Message  *Message
	Version  *MessageVersion
	Depth    int
	Children []*ThreadNode
}

// Flatten returns the nodes depth-first, parents before children.
func (n *ThreadNode) Flatten() []*ThreadNode {
	result := []*ThreadNode{n}
	for _, child := range n.Children {
		result = append(result, child.Flatten()...)
	}
	return result
}
