package conversation

// VisiblePath computes the ordered messages a user sees on branchID.
//
// Messages are stored flat; the branch tree is given by each Branch's parent
// link and fork origin. For main, the path is every main (or legacy,
// branch-less) message in store order. For any other branch B, the path is
// the visible path of B's parent, truncated at and including B's fork origin
// message, followed by B's own messages in store order.
//
// The parent path is resolved recursively, so a branch forked from another
// non-root branch also sees its grandparents' messages. An unknown branch
// yields an empty path, as does a fork origin that is not on the parent path
// (the prefix is dropped, B's own messages are still returned).
//
// VisiblePath does not mutate conv.
func VisiblePath(conv *Conversation, branchID string) Messages {
	if conv == nil {
		return Messages{}
	}
	return visiblePath(conv, branchID, map[string]bool{})
}

func visiblePath(conv *Conversation, branchID string, visited map[string]bool) Messages {
	if branchID == "" {
		branchID = MainBranchID
	}
	if branchID == MainBranchID {
		return conv.BranchMessages(MainBranchID)
	}
	if visited[branchID] {
		// malformed data with a parent cycle
		return Messages{}
	}
	visited[branchID] = true

	b, ok := conv.Branch(branchID)
	if !ok {
		return Messages{}
	}

	parentPath := visiblePath(conv, b.Parent(), visited)
	ret := Messages{}
	for i, m := range parentPath {
		if m.ID == b.ForkOriginMessageID {
			ret = append(ret, parentPath[:i+1]...)
			break
		}
	}

	return append(ret, conv.BranchMessages(b.ID)...)
}

// BranchLineage returns the chain of branch ids from branchID up to main,
// starting with branchID itself.
func BranchLineage(conv *Conversation, branchID string) []string {
	ret := []string{}
	visited := map[string]bool{}
	id := branchID
	for id != "" && !visited[id] {
		visited[id] = true
		if id != MainBranchID && !conv.HasBranch(id) {
			break
		}
		ret = append(ret, id)
		if id == MainBranchID {
			break
		}
		b, _ := conv.Branch(id)
		id = b.Parent()
	}
	return ret
}

// ChildBranches returns the ids of the branches directly forked from branchID.
func ChildBranches(conv *Conversation, branchID string) []string {
	var ret []string
	for _, b := range conv.Branches {
		if b.IsRoot() {
			continue
		}
		if b.Parent() == branchID {
			ret = append(ret, b.ID)
		}
	}
	return ret
}

// DescendantBranches returns every branch transitively forked from branchID.
func DescendantBranches(conv *Conversation, branchID string) []string {
	var ret []string
	queue := ChildBranches(conv, branchID)
	seen := map[string]bool{branchID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		ret = append(ret, id)
		queue = append(queue, ChildBranches(conv, id)...)
	}
	return ret
}
