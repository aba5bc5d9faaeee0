package deps

import "sort"

// Node is one member of a set to order. BlockedBy may reference ids outside
// the set; those are ignored.
type Node struct {
	ID        int
	BlockedBy []int
}

// TopoSort returns the ids of nodes in dependency order. Among mutually
// ready nodes the lowest id goes first. When no node is ready but some remain,
// the lowest remaining id is forced in and reported in forced.
func TopoSort(nodes []Node) (order []int, forced []int) {
	members := make(map[int][]int, len(nodes))
	for _, n := range nodes {
		members[n.ID] = append(members[n.ID], n.BlockedBy...)
	}

	pending := make(map[int][]int, len(members))
	for id, blockers := range members {
		var inSet []int
		for _, b := range blockers {
			if _, ok := members[b]; ok && b != id {
				inSet = append(inSet, b)
			}
		}
		pending[id] = inSet
	}

	placed := make(map[int]bool, len(pending))
	order = make([]int, 0, len(pending))

	for len(pending) > 0 {
		var ready []int
		for id, blockers := range pending {
			if allPlaced(blockers, placed) {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			lowest := 0
			first := true
			for id := range pending {
				if first || id < lowest {
					lowest, first = id, false
				}
			}
			ready = []int{lowest}
			forced = append(forced, lowest)
			forcedBreaks.Inc()
		}

		sort.Ints(ready)
		for _, id := range ready {
			order = append(order, id)
			placed[id] = true
			delete(pending, id)
		}
	}
	return order, forced
}

func allPlaced(ids []int, placed map[int]bool) bool {
	for _, id := range ids {
		if !placed[id] {
			return false
		}
	}
	return true
}
