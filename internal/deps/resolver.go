package deps

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// ErrIssueNotFound is returned by an IssueSource for ids that do not exist.
var ErrIssueNotFound = errors.New("issue not found")

// IssueState is the live tracker view of one issue.
type IssueState struct {
	Number int
	Title  string
	Body   string
	Labels []string
	Open   bool
	// NativeBlockers are tracker-native "blocked by" links.
	NativeBlockers []int
}

// IssueSource fetches live issue state.
type IssueSource interface {
	Issue(ctx context.Context, repo job.RepoRef, number int) (*IssueState, error)
}

// Source names where a blocker list came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceNative Source = "native"
	SourceText   Source = "text"
)

// Declared is the blocker list of one issue before live verification.
type Declared struct {
	Source Source
	// Candidates are ids to verify, native links or plain references.
	Candidates []int
	// Struck are struck-through text references. Always empty for native.
	Struck []int
}

// DeclaredBlockers applies the precedence rule: native links win, the body
// text is only consulted when there are none.
func DeclaredBlockers(issue *IssueState) Declared {
	if len(issue.NativeBlockers) > 0 {
		return Declared{Source: SourceNative, Candidates: job.NewIssueSet(issue.NativeBlockers...)}
	}
	refs := ParseBlockedBy(issue.Body)
	if len(refs.Open) == 0 && len(refs.Struck) == 0 {
		return Declared{Source: SourceNone}
	}
	return Declared{Source: SourceText, Candidates: refs.Open, Struck: refs.Struck}
}

// Chain is the resolved open-blocker closure of a target issue.
type Chain struct {
	Target int `json:"target"`
	// Order lists every open issue reachable through blocking links, each
	// after all of its own open blockers. The target is last when open.
	Order []int `json:"order"`
	// Unresolved are the target's direct open blockers.
	Unresolved []int `json:"unresolved"`
	// Cycles lists edges found closing a cycle, as [from, to] pairs.
	Cycles [][2]int `json:"cycles,omitempty"`
}

// Blockers returns Order without the target.
func (c *Chain) Blockers() []int {
	out := make([]int, 0, len(c.Order))
	for _, id := range c.Order {
		if id != c.Target {
			out = append(out, id)
		}
	}
	return out
}

// Blocked reports whether the target has any open direct blocker.
func (c *Chain) Blocked() bool {
	return len(c.Unresolved) > 0
}

// Resolver computes blocker chains against live tracker state.
type Resolver struct {
	source IssueSource
	logger *logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(source IssueSource, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{source: source, logger: logger.Named("deps")}
}

// lookup caches issue state for the duration of one resolution so every id is
// fetched at most once.
type lookup struct {
	r     *Resolver
	repo  job.RepoRef
	cache map[int]*IssueState
}

// state returns nil for an issue that does not exist.
func (l *lookup) state(ctx context.Context, id int) (*IssueState, error) {
	if st, ok := l.cache[id]; ok {
		return st, nil
	}
	st, err := l.r.source.Issue(ctx, l.repo, id)
	if errors.Is(err, ErrIssueNotFound) {
		l.r.logger.Warn(ctx, "blocker does not exist, treating as resolved",
			zap.String("repo", l.repo.String()), zap.Int("issue", id))
		l.cache[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s#%d: %w", l.repo, id, err)
	}
	l.cache[id] = st
	return st, nil
}

// openBlockers returns the declared blockers of st that are open right now.
func (l *lookup) openBlockers(ctx context.Context, st *IssueState) ([]int, error) {
	decl := DeclaredBlockers(st)
	var open []int
	for _, id := range decl.Candidates {
		if id == st.Number {
			continue
		}
		b, err := l.state(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil && b.Open {
			open = append(open, id)
		}
	}
	for _, id := range decl.Struck {
		if id == st.Number {
			continue
		}
		b, err := l.state(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil && b.Open {
			l.r.logger.Warn(ctx, "struck-through blocker is still open",
				zap.String("repo", l.repo.String()),
				zap.Int("issue", st.Number),
				zap.Int("blocker", id))
			open = append(open, id)
		}
	}
	return job.NewIssueSet(open...), nil
}

// Blockers returns the direct open blockers of an issue.
func (r *Resolver) Blockers(ctx context.Context, repo job.RepoRef, number int) ([]int, error) {
	l := &lookup{r: r, repo: repo, cache: map[int]*IssueState{}}
	st, err := l.state(ctx, number)
	if err != nil || st == nil {
		return nil, err
	}
	return l.openBlockers(ctx, st)
}

type frame struct {
	id       int
	blockers []int
	next     int
}

// Chain walks the open-blocker graph from number depth-first, iteratively.
// A node is emitted after all of its open blockers (post-order). Closed and
// missing issues are excluded. A link back to a node still on the walk stack
// closes a cycle; it is recorded, logged and skipped.
func (r *Resolver) Chain(ctx context.Context, repo job.RepoRef, number int) (*Chain, error) {
	l := &lookup{r: r, repo: repo, cache: map[int]*IssueState{}}
	chain := &Chain{Target: number}

	visited := map[int]bool{number: true}
	onStack := map[int]bool{}

	push := func(id int, st *IssueState) ([]frame, error) {
		blockers, err := l.openBlockers(ctx, st)
		if err != nil {
			return nil, err
		}
		onStack[id] = true
		return []frame{{id: id, blockers: blockers}}, nil
	}

	root, err := l.state(ctx, number)
	if err != nil {
		return nil, err
	}
	if root == nil || !root.Open {
		return chain, nil
	}
	stack, err := push(number, root)
	if err != nil {
		return nil, err
	}
	chain.Unresolved = stack[0].blockers

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := &stack[len(stack)-1]
		if top.next == len(top.blockers) {
			chain.Order = append(chain.Order, top.id)
			onStack[top.id] = false
			stack = stack[:len(stack)-1]
			continue
		}

		b := top.blockers[top.next]
		top.next++
		if onStack[b] {
			chain.Cycles = append(chain.Cycles, [2]int{top.id, b})
			continue
		}
		if visited[b] {
			continue
		}
		visited[b] = true

		st, err := l.state(ctx, b)
		if err != nil {
			return nil, err
		}
		if st == nil || !st.Open {
			continue
		}
		f, err := push(b, st)
		if err != nil {
			return nil, err
		}
		stack = append(stack, f...)
	}

	if len(chain.Cycles) > 0 {
		cyclesDetected.Inc()
		r.logger.Warn(ctx, "dependency cycle detected",
			zap.String("repo", repo.String()),
			zap.Int("issue", number),
			zap.Any("edges", chain.Cycles))
	}
	return chain, nil
}

// Order sorts nodes topologically and logs every forced cycle break.
func (r *Resolver) Order(ctx context.Context, nodes []Node) []int {
	order, forced := TopoSort(nodes)
	if len(forced) > 0 {
		r.logger.Warn(ctx, "dependency cycle among queued jobs, forcing lowest id",
			zap.Ints("forced", forced))
	}
	return order
}
